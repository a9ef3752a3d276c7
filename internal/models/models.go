package models

// AllModels returns every model in migration order. db.Migrate ranges over
// this, so adding a model here is all that is needed to migrate it.
func AllModels() []any {
	return []any{
		&Vehicle{},
		&LegacyCredential{},
		&SystemSetting{},
		&RawPosition{},
		&BackfillJob{},
		&SyncHistory{},
	}
}
