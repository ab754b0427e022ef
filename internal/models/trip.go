package models

import "time"

type TripStatus string

const (
	StatusRequested  TripStatus = "REQUESTED"
	StatusAccepted   TripStatus = "ACCEPTED"
	StatusInProgress TripStatus = "IN_PROGRESS"
	StatusCompleted  TripStatus = "COMPLETED"
	StatusCancelled  TripStatus = "CANCELLED"
)

// OpenStatuses are the statuses that count against a rider's single open trip.
var OpenStatuses = []TripStatus{StatusRequested, StatusAccepted, StatusInProgress}

// AssignedStatuses are the statuses in which a driver is bound to the trip.
var AssignedStatuses = []TripStatus{StatusAccepted, StatusInProgress}

// allowedTransitions is the trip state machine. COMPLETED and CANCELLED are
// terminal.
var allowedTransitions = map[TripStatus][]TripStatus{
	StatusRequested:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to TripStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SourcesOf lists the statuses a trip may move to `to` from, in lifecycle
// order. It is the status guard of a conditional write.
func SourcesOf(to TripStatus) []TripStatus {
	var out []TripStatus
	for _, from := range []TripStatus{StatusRequested, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func (s TripStatus) Open() bool {
	return s == StatusRequested || s == StatusAccepted || s == StatusInProgress
}

type CancelledBy string

const (
	CancelledByRider    CancelledBy = "rider"
	CancelledByDriver   CancelledBy = "driver"
	CancelledByPlatform CancelledBy = "platform"
)

type Trip struct {
	ID       string `json:"id"`
	RiderID  string `json:"riderId"`
	DriverID string `json:"driverId,omitempty"`

	PickupLocation       Point  `json:"pickupLocation"`
	DropoffLocation      Point  `json:"dropoffLocation"`
	PickupName           string `json:"pickupName,omitempty"`
	DestinationName      string `json:"destinationName,omitempty"`
	UserIndications      string `json:"userIndications,omitempty"`
	VehicleTypeRequested string `json:"vehicleTypeRequested,omitempty"`
	PaymentMethodID      string `json:"paymentMethodId,omitempty"`

	Status  TripStatus `json:"status"`
	Version int        `json:"version"`

	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	AcceptedAt    *time.Time `json:"acceptedAt,omitempty"`
	TripStartTime *time.Time `json:"tripStartTime,omitempty"`
	TripEndTime   *time.Time `json:"tripEndTime,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`

	DistanceMeters  float64 `json:"distance"`
	DurationSeconds *int64  `json:"duration,omitempty"`

	EstimatedFare   int64  `json:"estimatedFare"`
	ActualFare      *int64 `json:"actualFare,omitempty"`
	CancellationFee int64  `json:"cancellationFee"`

	CancelledBy        CancelledBy `json:"cancelledBy,omitempty"`
	CancellationReason string      `json:"cancellationReason,omitempty"`
}

// TripCondition guards a conditional trip write. Zero-valued fields are not checked.
type TripCondition struct {
	Statuses []TripStatus
	RiderID  string
	DriverID string
	Version  int // checked when > 0
}

func (c TripCondition) Matches(t *Trip) bool {
	if len(c.Statuses) > 0 {
		ok := false
		for _, s := range c.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if c.RiderID != "" && t.RiderID != c.RiderID {
		return false
	}
	if c.DriverID != "" && t.DriverID != c.DriverID {
		return false
	}
	if c.Version > 0 && t.Version != c.Version {
		return false
	}
	return true
}

// TripPatch lists the fields a conditional write sets. Nil fields are left untouched.
// UpdatedAt is always written and Version always incremented.
type TripPatch struct {
	Status             *TripStatus
	DriverID           *string
	AcceptedAt         *time.Time
	TripStartTime      *time.Time
	TripEndTime        *time.Time
	CancelledAt        *time.Time
	DurationSeconds    *int64
	ActualFare         *int64
	CancellationFee    *int64
	CancelledBy        *CancelledBy
	CancellationReason *string
	UpdatedAt          time.Time
}

func (p TripPatch) Apply(t *Trip) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.DriverID != nil {
		t.DriverID = *p.DriverID
	}
	if p.AcceptedAt != nil {
		v := *p.AcceptedAt
		t.AcceptedAt = &v
	}
	if p.TripStartTime != nil {
		v := *p.TripStartTime
		t.TripStartTime = &v
	}
	if p.TripEndTime != nil {
		v := *p.TripEndTime
		t.TripEndTime = &v
	}
	if p.CancelledAt != nil {
		v := *p.CancelledAt
		t.CancelledAt = &v
	}
	if p.DurationSeconds != nil {
		v := *p.DurationSeconds
		t.DurationSeconds = &v
	}
	if p.ActualFare != nil {
		v := *p.ActualFare
		t.ActualFare = &v
	}
	if p.CancellationFee != nil {
		t.CancellationFee = *p.CancellationFee
	}
	if p.CancelledBy != nil {
		t.CancelledBy = *p.CancelledBy
	}
	if p.CancellationReason != nil {
		t.CancellationReason = *p.CancellationReason
	}
	t.UpdatedAt = p.UpdatedAt
	t.Version++
}

// Clone returns a deep copy so stored trips are never shared with callers.
func (t *Trip) Clone() *Trip {
	if t == nil {
		return nil
	}
	c := *t
	c.AcceptedAt = cloneTime(t.AcceptedAt)
	c.TripStartTime = cloneTime(t.TripStartTime)
	c.TripEndTime = cloneTime(t.TripEndTime)
	c.CancelledAt = cloneTime(t.CancelledAt)
	if t.DurationSeconds != nil {
		v := *t.DurationSeconds
		c.DurationSeconds = &v
	}
	if t.ActualFare != nil {
		v := *t.ActualFare
		c.ActualFare = &v
	}
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TripFilter selects trips by party. Exactly one of RiderID or DriverID is expected.
type TripFilter struct {
	RiderID  string
	DriverID string
}

func Ptr[T any](v T) *T { return &v }
