package schema

func fields(types map[string]Type) map[string]Field {
	out := map[string]Field{
		ObjectIDField: {Type: TypeString},
		CreatedAt:     {Type: TypeDate},
		UpdatedAt:     {Type: TypeDate},
	}
	for name, t := range types {
		out[name] = Field{Type: t}
	}
	return out
}

// VolatileClasses returns the system classes whose tables are created at
// initialization without a metadata row.
func VolatileClasses() []Schema {
	return []Schema{
		{ClassName: "_Hooks", Fields: fields(map[string]Type{
			"functionName": TypeString,
			"className":    TypeString,
			"triggerName":  TypeString,
			"url":          TypeString,
		})},
		{ClassName: "_JobStatus", Fields: fields(map[string]Type{
			"jobName":    TypeString,
			"source":     TypeString,
			"status":     TypeString,
			"message":    TypeString,
			"params":     TypeObject,
			"finishedAt": TypeDate,
		})},
		{ClassName: "_JobSchedule", Fields: fields(map[string]Type{
			"jobName":       TypeString,
			"description":   TypeString,
			"params":        TypeString,
			"startAfter":    TypeString,
			"daysOfWeek":    TypeArray,
			"timeOfDay":     TypeString,
			"lastRun":       TypeNumber,
			"repeatMinutes": TypeNumber,
		})},
		{ClassName: "_PushStatus", Fields: fields(map[string]Type{
			"pushTime":            TypeString,
			"source":              TypeString,
			"query":               TypeString,
			"payload":             TypeString,
			"title":               TypeString,
			"expiry":              TypeNumber,
			"expiration_interval": TypeNumber,
			"status":              TypeString,
			"numSent":             TypeNumber,
			"numFailed":           TypeNumber,
			"pushHash":            TypeString,
			"errorMessage":        TypeObject,
			"sentPerType":         TypeObject,
			"failedPerType":       TypeObject,
			"sentPerUTCOffset":    TypeObject,
			"failedPerUTCOffset":  TypeObject,
			"count":               TypeNumber,
		})},
		{ClassName: "_GlobalConfig", Fields: fields(map[string]Type{
			"params":        TypeObject,
			"masterKeyOnly": TypeObject,
		})},
		{ClassName: "_GraphQLConfig", Fields: fields(map[string]Type{
			"config": TypeObject,
		})},
		{ClassName: "_Audience", Fields: fields(map[string]Type{
			"name":      TypeString,
			"query":     TypeString,
			"lastUsed":  TypeDate,
			"timesUsed": TypeNumber,
		})},
		{ClassName: "_Idempotency", Fields: fields(map[string]Type{
			"reqId":  TypeString,
			"expire": TypeDate,
		})},
	}
}
