package models

// All returns every model the engine migrates, in dependency order.
func All() []interface{} {
	return []interface{}{
		&Lead{},
		&LeadCustomField{},
		&LeadActivity{},
		&Sender{},
		&Campaign{},
		&SequenceStep{},
		&StepVariant{},
		&Recipient{},
		&SentEmail{},
		&ClickEvent{},
		&SendAttempt{},
		&Unsubscribe{},
		&Bounce{},
		&InboundEmail{},
		&QuotaUsage{},
	}
}
