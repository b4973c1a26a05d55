package controller

import (
	"encoding/csv"
	"io"
	"strings"

	"outreach/middleware"
	"outreach/models"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// standard CSV columns; anything else becomes a custom field
var leadColumns = map[string]bool{
	"email": true, "first_name": true, "last_name": true, "company": true,
	"position": true, "phone": true, "website": true,
}

type LeadController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewLeadController(db *gorm.DB) *LeadController {
	return &LeadController{
		DB:     db,
		Logger: utils.Logger("lead"),
	}
}

type CreateLeadRequest struct {
	Email        string            `json:"email" validate:"required,email"`
	FirstName    string            `json:"first_name" validate:"omitempty,max=100"`
	LastName     string            `json:"last_name" validate:"omitempty,max=100"`
	Company      string            `json:"company" validate:"omitempty,max=200"`
	Position     string            `json:"position" validate:"omitempty,max=200"`
	Phone        string            `json:"phone" validate:"omitempty,max=50"`
	Website      string            `json:"website" validate:"omitempty,max=255"`
	CustomFields map[string]string `json:"custom_fields"`
}

// CreateLead creates a new lead with validation
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	orgID := middleware.OrgID(c)

	var input CreateLeadRequest
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	email := utils.NormalizeEmail(input.Email)
	var existing int64
	lc.DB.Model(&models.Lead{}).Where("organization_id = ? AND email = ?", orgID, email).Count(&existing)
	if existing > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead with this email already exists", nil)
	}

	lead := models.Lead{
		OrganizationID: orgID,
		Email:          email,
		FirstName:      input.FirstName,
		LastName:       input.LastName,
		Company:        input.Company,
		Position:       input.Position,
		Phone:          input.Phone,
		Website:        input.Website,
		CustomFields:   convertCustomFields(input.CustomFields),
	}
	if err := lc.DB.Create(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
}

func convertCustomFields(fields map[string]string) []models.LeadCustomField {
	var result []models.LeadCustomField
	for name, value := range fields {
		if leadColumns[name] || value == "" {
			continue
		}
		result = append(result, models.LeadCustomField{
			Name:  name,
			Value: value,
		})
	}
	return result
}

// GetLeads returns paginated list of leads with filters
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	page, limit, offset := utils.Paginate(c)

	query := lc.DB.Model(&models.Lead{}).Where("organization_id = ?", middleware.OrgID(c))
	if email := c.Query("email"); email != "" {
		query = query.Where("email LIKE ?", "%"+strings.ToLower(email)+"%")
	}
	if company := c.Query("company"); company != "" {
		query = query.Where("company LIKE ?", "%"+company+"%")
	}
	switch c.Query("status") {
	case "bounced":
		query = query.Where("is_bounced = ?", true)
	case "unsubscribed":
		query = query.Where("is_unsubscribed = ?", true)
	case "contactable":
		query = query.Where("is_bounced = ? AND is_unsubscribed = ? AND is_do_not_contact = ?", false, false, false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count leads", err)
	}
	var leads []models.Lead
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}
	return c.JSON(utils.PaginatedResponse{Data: leads, Total: total, Page: page, Limit: limit})
}

// GetLead returns one lead with its custom fields and campaign history.
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var lead models.Lead
	err = lc.DB.Where("organization_id = ?", middleware.OrgID(c)).
		Preload("CustomFields").
		Preload("Activities", func(tx *gorm.DB) *gorm.DB { return tx.Order("activity_at DESC").Limit(200) }).
		First(&lead, id).Error
	if err != nil {
		if notFound(err) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}
	return c.JSON(utils.SuccessResponse(lead))
}

// ImportLeads reads a CSV upload with an email column. Existing addresses
// are skipped, not updated.
func (lc *LeadController) ImportLeads(c *fiber.Ctx) error {
	orgID := middleware.OrgID(c)

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File upload error", err)
	}
	if file.Size > 5<<20 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File too large (max 5MB)", nil)
	}
	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open file", err)
	}
	defer src.Close()

	result, err := lc.importCSV(orgID, src)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	return c.JSON(utils.SuccessResponse(result))
}

type importResult struct {
	TotalRows int    `json:"total_rows"`
	Imported  int    `json:"imported"`
	Skipped   int    `json:"skipped"`
	Invalid   int    `json:"invalid"`
	LeadIDs   []uint `json:"lead_ids"`
}

func (lc *LeadController) importCSV(orgID uint, r io.Reader) (*importResult, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Failed to parse CSV file")
	}
	if len(records) < 2 {
		return nil, fiber.NewError(fiber.StatusBadRequest, "CSV file must have at least a header and one row")
	}

	header := records[0]
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	rows := records[1:]
	result := &importResult{TotalRows: len(rows)}

	var existing []string
	if err := lc.DB.Model(&models.Lead{}).Where("organization_id = ?", orgID).Pluck("email", &existing).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e] = true
	}

	const batchSize = 100
	var batch []models.Lead
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := lc.DB.Create(&batch).Error; err != nil {
			lc.Logger.WithError(err).Error("Failed to import batch of leads")
		} else {
			result.Imported += len(batch)
			for _, l := range batch {
				result.LeadIDs = append(result.LeadIDs, l.ID)
			}
		}
		batch = nil
	}

	for _, row := range rows {
		if len(row) != len(header) {
			result.Invalid++
			continue
		}
		data := make(map[string]string, len(header))
		for i, col := range header {
			data[col] = strings.TrimSpace(row[i])
		}

		email := utils.NormalizeEmail(data["email"])
		if utils.ValidateEmailFormat(email) != nil {
			result.Invalid++
			continue
		}
		if seen[email] {
			result.Skipped++
			continue
		}
		seen[email] = true

		batch = append(batch, models.Lead{
			OrganizationID: orgID,
			Email:          email,
			FirstName:      data["first_name"],
			LastName:       data["last_name"],
			Company:        data["company"],
			Position:       data["position"],
			Phone:          data["phone"],
			Website:        data["website"],
			CustomFields:   convertCustomFields(data),
		})
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()
	return result, nil
}
