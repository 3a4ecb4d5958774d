package models

type Counter struct {
	ID         string   `json:"id"`
	FacilityID string   `json:"facility_id"`
	Name       string   `json:"name"`
	Code       string   `json:"code"`
	Category   string   `json:"category,omitempty"`
	Type       []string `json:"type,omitempty"`
	Status     string   `json:"status"`
	IsVisible  bool     `json:"is_visible"`
	Order      int      `json:"order"`
}

const (
	CounterActive   = "active"
	CounterInactive = "inactive"
)

// Available reports whether staff may route patients to the counter.
func (c Counter) Available() bool {
	return c.Status == CounterActive && c.IsVisible
}
