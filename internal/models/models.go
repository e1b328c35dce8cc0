package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// UrgencyClass drives which scoring weight vector applies to a request.
type UrgencyClass string

const (
	UrgencyEmergency UrgencyClass = "emergency"
	UrgencyToday     UrgencyClass = "today"
	UrgencyScheduled UrgencyClass = "scheduled"
)

type ServiceDescriptor struct {
	Type                     string       `json:"type"`
	Urgency                  UrgencyClass `json:"urgency"`
	EstimatedDurationMinutes int          `json:"estimated_duration_minutes"`
}

// Constraints are hard requirements a candidate must satisfy. Nil pointer
// means the constraint is absent.
type Constraints struct {
	RequiredSkills []string `json:"required_skills,omitempty"`
	MaxPrice       *float64 `json:"max_price,omitempty"`
	MinRating      *float64 `json:"min_rating,omitempty"`
}

type RequestState string

const (
	RequestSearching RequestState = "searching"
	RequestMatched   RequestState = "matched"
	RequestCancelled RequestState = "cancelled"
	RequestExpired   RequestState = "expired"
)

// Terminal reports whether the state is one of the write-once end states.
func (s RequestState) Terminal() bool { return s != RequestSearching }

type ServiceRequest struct {
	ID                  string            `json:"id"`
	CustomerID          string            `json:"customer_id"`
	Location            Coord             `json:"location"`
	Service             ServiceDescriptor `json:"service"`
	Constraints         Constraints       `json:"constraints"`
	State               RequestState      `json:"state"`
	SearchRadiusMiles   float64           `json:"search_radius_miles"`
	MaxRadiusMiles      float64           `json:"max_radius_miles"`
	ExcludedProviderIDs []string          `json:"excluded_provider_ids,omitempty"`
	MatchedProviderID   string            `json:"matched_provider_id,omitempty"`
	CancelReason        string            `json:"cancel_reason,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

type ProviderState string

const (
	ProviderAvailable ProviderState = "available"
	ProviderBusy      ProviderState = "busy"
	ProviderOffline   ProviderState = "offline"
)

// WorkingHours is a daily window in minutes from midnight, local time.
// A zero value means the provider has not published hours and is treated
// as always on shift.
type WorkingHours struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (w WorkingHours) Contains(t time.Time) bool {
	if w.StartMinute == 0 && w.EndMinute == 0 {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if w.StartMinute <= w.EndMinute {
		return m >= w.StartMinute && m < w.EndMinute
	}
	// overnight window, e.g. 22:00-06:00
	return m >= w.StartMinute || m < w.EndMinute
}

type ProviderAvailability struct {
	ProviderID             string        `json:"provider_id"`
	State                  ProviderState `json:"state"`
	Location               Coord         `json:"location"`
	LastHeartbeatAt        time.Time     `json:"last_heartbeat_at"`
	CurrentAssignment      string        `json:"current_assignment,omitempty"`
	ServiceTypes           []string      `json:"service_types,omitempty"`
	WorkingHours           WorkingHours  `json:"working_hours"`
	InstantAvailability    bool          `json:"instant_availability"`
	AcceptanceRate         float64       `json:"acceptance_rate"`
	AvgResponseTimeSeconds float64       `json:"avg_response_time_seconds"`
}

// ProviderHeartbeat is the wire shape published to Kafka and consumed by
// the location consumer.
type ProviderHeartbeat struct {
	ProviderID   string        `json:"provider_id"`
	Location     Coord         `json:"location"`
	State        ProviderState `json:"state"`
	ServiceTypes []string      `json:"service_types,omitempty"`
	Instant      bool          `json:"instant"`
	SentAt       time.Time     `json:"sent_at"`
}

type OfferState string

const (
	OfferPending   OfferState = "pending"
	OfferAccepted  OfferState = "accepted"
	OfferRejected  OfferState = "rejected"
	OfferExpired   OfferState = "expired"
	OfferCancelled OfferState = "cancelled"
)

// FactorBreakdown records the normalized 0-100 value of each scoring
// factor before weighting, kept on the offer for auditability.
type FactorBreakdown struct {
	Distance     float64 `json:"distance"`
	Arrival      float64 `json:"arrival"`
	Price        float64 `json:"price"`
	Rating       float64 `json:"rating"`
	SkillMatch   float64 `json:"skill_match"`
	Availability float64 `json:"availability"`
}

type Offer struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"request_id"`
	ProviderID    string          `json:"provider_id"`
	Score         int             `json:"score"`
	Factors       FactorBreakdown `json:"factors"`
	PriceEstimate float64         `json:"price_estimate,omitempty"`
	State         OfferState      `json:"state"`
	OfferedAt     time.Time       `json:"offered_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	RespondedAt   *time.Time      `json:"responded_at,omitempty"`
}

func (o *Offer) IsExpired(now time.Time) bool { return now.After(o.ExpiresAt) }

// Match is the terminal pairing of a request and a provider. Exactly one
// exists per matched request.
type Match struct {
	RequestID  string    `json:"request_id"`
	ProviderID string    `json:"provider_id"`
	OfferID    string    `json:"offer_id"`
	MatchedAt  time.Time `json:"matched_at"`
}

// Candidate is a provider returned by a spatial query, prior to scoring.
type Candidate struct {
	ProviderID    string  `json:"provider_id"`
	Location      Coord   `json:"location"`
	DistanceMiles float64 `json:"distance_miles"`
}

// ProviderProfile is the read-only slice of provider data the engine
// needs for scoring; owned by an external profile service.
type ProviderProfile struct {
	ProviderID   string       `json:"provider_id"`
	Skills       []string     `json:"skills,omitempty"`
	Rating       float64      `json:"rating"`
	WorkingHours WorkingHours `json:"working_hours"`
}

// RequestStatus is the externally visible view of a request.
type RequestStatus struct {
	State             RequestState `json:"state"`
	MatchedProviderID string       `json:"matched_provider_id,omitempty"`
	ETAMinutes        float64      `json:"eta_minutes,omitempty"`
}

// AcceptResult is the outcome of an accept attempt. Losing the race is a
// normal result, not an error.
type AcceptResult struct {
	Won    bool   `json:"won"`
	Reason string `json:"reason,omitempty"`
}
