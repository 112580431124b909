package models

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Resource{},
		&Attempt{},
		&ScormElement{},
		&RemarkPart{},
		&DiscountPart{},
		&AttemptQuestionScore{},
		&ActivityLog{},
	}
}
