package controller

import (
	"errors"
	"sort"
	"time"

	"outreach/middleware"
	"outreach/models"
	"outreach/services"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type CampaignController struct {
	DB       *gorm.DB
	Sequence *services.Sequence
	Logger   *logrus.Entry
	Now      func() time.Time
}

func NewCampaignController(db *gorm.DB, sequence *services.Sequence) *CampaignController {
	return &CampaignController{
		DB:       db,
		Sequence: sequence,
		Logger:   utils.Logger("campaign"),
		Now:      time.Now,
	}
}

type VariantInput struct {
	Label   string `json:"label" validate:"required,max=50"`
	Subject string `json:"subject" validate:"max=998"`
	Body    string `json:"body"`
	Weight  int    `json:"weight" validate:"min=0,max=100"`
}

type StepInput struct {
	StepNumber int            `json:"step_number" validate:"min=0"`
	Subject    string         `json:"subject" validate:"max=998"`
	Body       string         `json:"body" validate:"required"`
	DelayDays  int            `json:"delay_days" validate:"min=0,max=365"`
	DelayHours int            `json:"delay_hours" validate:"min=0,max=8760"`
	Variants   []VariantInput `json:"variants" validate:"dive"`
}

type CreateCampaignRequest struct {
	Name        string     `json:"name" validate:"required,max=255"`
	Description string     `json:"description"`
	ScheduledAt *time.Time `json:"scheduled_at"`

	DailyLimit        int      `json:"daily_limit" validate:"min=0"`
	SendingDays       []string `json:"sending_days" validate:"dive,weekday"`
	SendingHoursStart *int     `json:"sending_hours_start" validate:"omitempty,min=0,max=23"`
	SendingHoursEnd   *int     `json:"sending_hours_end" validate:"omitempty,min=0,max=24"`
	Timezone          string   `json:"timezone" validate:"omitempty,timezone"`

	StopOnReply             *bool `json:"stop_on_reply"`
	StopOnBounce            *bool `json:"stop_on_bounce"`
	TrackOpens              *bool `json:"track_opens"`
	TrackClicks             *bool `json:"track_clicks"`
	SkipStepOnTemplateError bool  `json:"skip_step_on_template_error"`

	SenderIDs []uint      `json:"sender_ids"`
	Steps     []StepInput `json:"steps" validate:"dive"`
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// orderSteps assigns missing step numbers by position and checks the result
// is exactly 1..n.
func orderSteps(steps []StepInput) ([]StepInput, error) {
	out := make([]StepInput, len(steps))
	copy(out, steps)
	for i := range out {
		if out[i].StepNumber == 0 {
			out[i].StepNumber = i + 1
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	for i := range out {
		if i > 0 && out[i].StepNumber == out[i-1].StepNumber {
			return nil, errDuplicateStep
		}
		if out[i].StepNumber != i+1 {
			return nil, errors.New("step numbers must be contiguous starting at 1")
		}
	}
	return out, nil
}

var errDuplicateStep = errors.New("duplicate step number")

func buildStep(campaignID uint, in StepInput) models.SequenceStep {
	step := models.SequenceStep{
		CampaignID: campaignID,
		StepNumber: in.StepNumber,
		Subject:    in.Subject,
		Body:       in.Body,
		DelayDays:  in.DelayDays,
		DelayHours: in.DelayHours,
	}
	for _, v := range in.Variants {
		step.Variants = append(step.Variants, models.StepVariant{
			Label:   v.Label,
			Subject: v.Subject,
			Body:    v.Body,
			Weight:  v.Weight,
		})
	}
	return step
}

// loadSenders returns the org's senders with the given ids, failing if any
// is missing.
func (cc *CampaignController) loadSenders(orgID uint, ids []uint) ([]models.Sender, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var senders []models.Sender
	if err := cc.DB.Where("organization_id = ? AND id IN ?", orgID, ids).Find(&senders).Error; err != nil {
		return nil, err
	}
	if len(senders) != len(uniqueIDs(ids)) {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Unknown sender id")
	}
	return senders, nil
}

func uniqueIDs(ids []uint) map[uint]bool {
	m := make(map[uint]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	claims := middleware.ClaimsFrom(c)

	var req CreateCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	steps, err := orderSteps(req.Steps)
	if errors.Is(err, errDuplicateStep) {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Duplicate step number", nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	days, err := models.ParseWeekdays(req.SendingDays)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	senders, err := cc.loadSenders(claims.OrganizationID, req.SenderIDs)
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return utils.ErrorResponse(c, fe.Code, fe.Message, nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load senders", err)
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	campaign := models.Campaign{
		OrganizationID:          claims.OrganizationID,
		UserID:                  claims.UserID,
		Name:                    req.Name,
		Description:             req.Description,
		Status:                  models.CampaignDraft,
		ScheduledAt:             req.ScheduledAt,
		DailyLimit:              req.DailyLimit,
		SendingDays:             days,
		SendingHoursStart:       intOr(req.SendingHoursStart, 0),
		SendingHoursEnd:         intOr(req.SendingHoursEnd, 24),
		Timezone:                timezone,
		StopOnReply:             boolOr(req.StopOnReply, true),
		StopOnBounce:            boolOr(req.StopOnBounce, true),
		TrackOpens:              boolOr(req.TrackOpens, true),
		TrackClicks:             boolOr(req.TrackClicks, true),
		SkipStepOnTemplateError: req.SkipStepOnTemplateError,
	}

	err = cc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&campaign).Error; err != nil {
			return err
		}
		for _, in := range steps {
			step := buildStep(campaign.ID, in)
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
			campaign.Steps = append(campaign.Steps, step)
		}
		if len(senders) > 0 {
			if err := tx.Model(&campaign).Association("Senders").Append(senders); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Duplicate step number", nil)
		}
		cc.Logger.WithError(err).Error("Failed to create campaign")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create campaign", err)
	}

	for i := range campaign.Senders {
		campaign.Senders[i].Sanitize()
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}

func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	orgID := middleware.OrgID(c)
	page, limit, offset := utils.Paginate(c)

	query := cc.DB.Model(&models.Campaign{}).Where("organization_id = ?", orgID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count campaigns", err)
	}

	var campaigns []models.Campaign
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&campaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch campaigns", err)
	}

	return c.JSON(utils.PaginatedResponse{Data: campaigns, Total: total, Page: page, Limit: limit})
}

func (cc *CampaignController) findCampaign(c *fiber.Ctx) (*models.Campaign, error) {
	id, err := paramID(c, "id")
	if err != nil {
		return nil, err
	}
	var campaign models.Campaign
	if err := cc.DB.Where("organization_id = ?", middleware.OrgID(c)).First(&campaign, id).Error; err != nil {
		if notFound(err) {
			return nil, fiber.NewError(fiber.StatusNotFound, "Campaign not found")
		}
		return nil, err
	}
	return &campaign, nil
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}

	if err := cc.DB.
		Preload("Steps", func(tx *gorm.DB) *gorm.DB { return tx.Order("step_number") }).
		Preload("Steps.Variants", func(tx *gorm.DB) *gorm.DB { return tx.Order("id") }).
		Preload("Senders").
		First(campaign, campaign.ID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", err)
	}
	for i := range campaign.Senders {
		campaign.Senders[i].Sanitize()
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// transition moves the campaign between statuses with a conditional update.
func (cc *CampaignController) transition(c *fiber.Ctx, campaign *models.Campaign, from []string, updates map[string]interface{}) error {
	res := cc.DB.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", campaign.ID, from).
		Updates(updates)
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign cannot move from "+campaign.Status, nil)
	}
	if err := cc.DB.First(campaign, campaign.ID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reload campaign", err)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

// StartCampaign activates a draft, or schedules it when scheduled_at is in
// the future.
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}

	var steps, senders int64
	cc.DB.Model(&models.SequenceStep{}).Where("campaign_id = ?", campaign.ID).Count(&steps)
	cc.DB.Table("campaign_senders").Where("campaign_id = ?", campaign.ID).Count(&senders)
	if steps == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign has no steps", nil)
	}
	if senders == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign has no senders", nil)
	}

	now := cc.Now().UTC()
	status := models.CampaignActive
	if campaign.ScheduledAt != nil && campaign.ScheduledAt.After(now) {
		status = models.CampaignScheduled
	}
	updates := map[string]interface{}{"status": status}
	if status == models.CampaignActive && campaign.StartedAt == nil {
		updates["started_at"] = now
	}

	utils.LogEvent("campaign_started", map[string]interface{}{
		"campaign_id": campaign.ID,
		"status":      status,
	})
	return cc.transition(c, campaign, []string{models.CampaignDraft}, updates)
}

func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}
	return cc.transition(c, campaign,
		[]string{models.CampaignActive, models.CampaignScheduled},
		map[string]interface{}{"status": models.CampaignPaused})
}

func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{"status": models.CampaignActive}
	if campaign.StartedAt == nil {
		updates["started_at"] = cc.Now().UTC()
	}
	return cc.transition(c, campaign, []string{models.CampaignPaused}, updates)
}

// DeleteCampaign soft-deletes the campaign; its recipients are no longer
// scheduled because the scheduler only sees live campaigns.
func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}
	if err := cc.DB.Delete(campaign).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete campaign", err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "Campaign deleted"})
}

// AddStep appends a step after the current last one.
func (cc *CampaignController) AddStep(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}
	if campaign.Status == models.CampaignCompleted {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign is completed", nil)
	}

	var in StepInput
	if err := c.BodyParser(&in); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(in); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	var step models.SequenceStep
	err = cc.DB.Transaction(func(tx *gorm.DB) error {
		var last int
		if err := tx.Model(&models.SequenceStep{}).Where("campaign_id = ?", campaign.ID).
			Select("COALESCE(MAX(step_number), 0)").Scan(&last).Error; err != nil {
			return err
		}
		if in.StepNumber != 0 && in.StepNumber != last+1 {
			return errDuplicateStep
		}
		in.StepNumber = last + 1
		step = buildStep(campaign.ID, in)
		return tx.Create(&step).Error
	})
	if err != nil {
		if errors.Is(err, errDuplicateStep) || isDuplicateKey(err) {
			return utils.ErrorResponse(c, fiber.StatusConflict, "Step number already taken", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add step", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(step))
}

// DeleteStep removes a step and renumbers the later ones so numbering stays
// contiguous. Recipients already past the removed step keep pointing at the
// same next email, and any claim held by a running tick is dropped so its
// advance no longer matches.
func (cc *CampaignController) DeleteStep(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}
	number, err := paramID(c, "step")
	if err != nil {
		return err
	}
	n := int(number)

	err = cc.DB.Transaction(func(tx *gorm.DB) error {
		var step models.SequenceStep
		if err := tx.Where("campaign_id = ? AND step_number = ?", campaign.ID, n).First(&step).Error; err != nil {
			return err
		}
		if err := tx.Where("step_id = ?", step.ID).Delete(&models.StepVariant{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().Delete(&step).Error; err != nil {
			return err
		}

		// two passes keep the unique (campaign, step_number) index satisfied
		if err := tx.Model(&models.SequenceStep{}).
			Where("campaign_id = ? AND step_number > ?", campaign.ID, n).
			Update("step_number", gorm.Expr("-(step_number - 1)")).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.SequenceStep{}).
			Where("campaign_id = ? AND step_number < 0", campaign.ID).
			Update("step_number", gorm.Expr("-step_number")).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Recipient{}).
			Where("campaign_id = ? AND current_step > ? AND status IN ?", campaign.ID, n,
				[]string{models.RecipientActive, models.RecipientPaused}).
			Update("current_step", gorm.Expr("current_step - 1")).Error; err != nil {
			return err
		}

		// in-flight claims were taken against the old numbering
		return tx.Model(&models.Recipient{}).
			Where("campaign_id = ? AND claim_token <> ''", campaign.ID).
			Updates(map[string]interface{}{"claim_token": "", "claimed_until": nil}).Error
	})
	if err != nil {
		if notFound(err) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Step not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete step", err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "Step deleted"})
}

type EnrollRequest struct {
	LeadIDs []uint `json:"lead_ids" validate:"required,min=1,max=10000"`
}

func (cc *CampaignController) EnrollLeads(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}

	var req EnrollRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	result, err := cc.Sequence.Enroll(c.UserContext(), campaign, req.LeadIDs)
	switch {
	case errors.Is(err, services.ErrNoSteps):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Campaign has no steps", nil)
	case errors.Is(err, services.ErrInvalidTransition):
		return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
	case err != nil:
		cc.Logger.WithError(err).WithField("campaign_id", campaign.ID).Error("Enrollment failed")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll leads", err)
	}
	return c.JSON(utils.SuccessResponse(result))
}

func (cc *CampaignController) GetRecipients(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}
	page, limit, offset := utils.Paginate(c)

	query := cc.DB.Model(&models.Recipient{}).Where("campaign_id = ?", campaign.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count recipients", err)
	}
	var recipients []models.Recipient
	if err := query.Order("id").Limit(limit).Offset(offset).Find(&recipients).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch recipients", err)
	}
	return c.JSON(utils.PaginatedResponse{Data: recipients, Total: total, Page: page, Limit: limit})
}

func (cc *CampaignController) recipient(c *fiber.Ctx) (*models.Recipient, error) {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return nil, err
	}
	rid, err := paramID(c, "recipientID")
	if err != nil {
		return nil, err
	}
	r, err := cc.Sequence.LoadRecipient(c.UserContext(), campaign.OrganizationID, rid)
	if err != nil || r.CampaignID != campaign.ID {
		return nil, fiber.NewError(fiber.StatusNotFound, "Recipient not found")
	}
	return r, nil
}

func (cc *CampaignController) PauseRecipient(c *fiber.Ctx) error {
	r, err := cc.recipient(c)
	if err != nil {
		return err
	}
	ok, err := cc.Sequence.Pause(c.UserContext(), r.ID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause recipient", err)
	}
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Recipient is "+r.Status, nil)
	}
	return c.JSON(fiber.Map{"success": true, "status": models.RecipientPaused})
}

func (cc *CampaignController) ResumeRecipient(c *fiber.Ctx) error {
	r, err := cc.recipient(c)
	if err != nil {
		return err
	}
	updated, err := cc.Sequence.Resume(c.UserContext(), r.ID)
	if errors.Is(err, services.ErrInvalidTransition) {
		return utils.ErrorResponse(c, fiber.StatusConflict, err.Error(), nil)
	}
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume recipient", err)
	}
	return c.JSON(utils.SuccessResponse(updated))
}

type variantStats struct {
	ID          uint   `json:"id"`
	StepNumber  int    `json:"step_number"`
	Label       string `json:"label"`
	SentCount   int    `json:"sent_count"`
	OpenCount   int    `json:"open_count"`
	ClickCount  int    `json:"click_count"`
	ReplyCount  int    `json:"reply_count"`
	BounceCount int    `json:"bounce_count"`
}

// GetCampaignStats reports the campaign counters, recipient statuses and
// per-variant results.
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	campaign, err := cc.findCampaign(c)
	if err != nil {
		return err
	}

	var byStatus []struct {
		Status string
		Count  int64
	}
	if err := cc.DB.Model(&models.Recipient{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaign.ID).
		Group("status").
		Scan(&byStatus).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load recipient stats", err)
	}
	statuses := map[string]int64{}
	for _, s := range byStatus {
		statuses[s.Status] = s.Count
	}

	var variants []variantStats
	if err := cc.DB.Table("step_variants").
		Select("step_variants.id, sequence_steps.step_number, step_variants.label, step_variants.sent_count, step_variants.open_count, step_variants.click_count, step_variants.reply_count, step_variants.bounce_count").
		Joins("JOIN sequence_steps ON sequence_steps.id = step_variants.step_id").
		Where("sequence_steps.campaign_id = ? AND step_variants.deleted_at IS NULL", campaign.ID).
		Order("sequence_steps.step_number, step_variants.id").
		Scan(&variants).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load variant stats", err)
	}

	rate := func(n int) float64 {
		if campaign.SentCount == 0 {
			return 0
		}
		return float64(n) / float64(campaign.SentCount) * 100
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id":      campaign.ID,
		"status":           campaign.Status,
		"total_recipients": campaign.TotalRecipients,
		"sent":             campaign.SentCount,
		"opens":            campaign.OpenCount,
		"unique_opens":     campaign.UniqueOpenCount,
		"clicks":           campaign.ClickCount,
		"unique_clicks":    campaign.UniqueClickCount,
		"replies":          campaign.ReplyCount,
		"bounces":          campaign.BounceCount,
		"unsubscribes":     campaign.UnsubscribeCount,
		"failed":           campaign.FailedCount,
		"open_rate":        rate(campaign.UniqueOpenCount),
		"click_rate":       rate(campaign.UniqueClickCount),
		"reply_rate":       rate(campaign.ReplyCount),
		"bounce_rate":      rate(campaign.BounceCount),
		"recipients":       statuses,
		"variants":         variants,
	}))
}
