package domain

// StatsScope bounds the window a statistics snapshot aggregates over
type StatsScope string

const (
	StatsScopeToday StatsScope = "today"
	StatsScopeWeek  StatsScope = "week"
	StatsScopeMonth StatsScope = "month"
	StatsScopeAll   StatsScope = "all"
)

// Valid reports whether s is a known scope
func (s StatsScope) Valid() bool {
	switch s {
	case StatsScopeToday, StatsScopeWeek, StatsScopeMonth, StatsScopeAll:
		return true
	}
	return false
}

// StatsSnapshot aggregates a set of calls
type StatsSnapshot struct {
	Scope           StatsScope         `json:"scope"`
	TotalCalls      int                `json:"total_calls"`
	AnsweredCalls   int                `json:"answered_calls"`
	MissedCalls     int                `json:"missed_calls"`
	DeclinedCalls   int                `json:"declined_calls"`
	FailedCalls     int                `json:"failed_calls"`
	ActiveCalls     int                `json:"active_calls"`
	TotalDuration   int                `json:"total_duration"`
	AverageDuration float64            `json:"average_duration"`
	SuccessRate     float64            `json:"success_rate"`
	ByType          map[CallType]int   `json:"by_type"`
	ByStatus        map[CallStatus]int `json:"by_status"`
	PeakHour        int                `json:"peak_hour"` // -1 when there are no calls
}
