package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type VehicleType string

const (
	VehicleMotorcycle VehicleType = "motorcycle"
	VehicleVan        VehicleType = "van"
	VehicleTowTruck   VehicleType = "tow_truck"
	VehicleAmbulance  VehicleType = "ambulance"
	VehicleCar        VehicleType = "car"
)

func (v VehicleType) Valid() bool {
	_, ok := compatibility[v]
	return ok
}

type ServiceCategory string

const (
	CategoryTowing       ServiceCategory = "towing"
	CategoryJumpStart    ServiceCategory = "jump_start"
	CategoryTireChange   ServiceCategory = "tire_change"
	CategoryFuelDelivery ServiceCategory = "fuel_delivery"
	CategoryLockout      ServiceCategory = "lockout"
	CategoryMedical      ServiceCategory = "medical"
)

var compatibility = map[VehicleType][]ServiceCategory{
	VehicleTowTruck:   {CategoryTowing, CategoryJumpStart, CategoryTireChange, CategoryFuelDelivery, CategoryLockout},
	VehicleVan:        {CategoryJumpStart, CategoryTireChange, CategoryFuelDelivery, CategoryLockout},
	VehicleCar:        {CategoryJumpStart, CategoryFuelDelivery, CategoryLockout},
	VehicleMotorcycle: {CategoryJumpStart, CategoryFuelDelivery, CategoryLockout},
	VehicleAmbulance:  {CategoryMedical},
}

// Serves reports whether a vehicle of this type can handle the category.
func (v VehicleType) Serves(c ServiceCategory) bool {
	for _, s := range compatibility[v] {
		if s == c {
			return true
		}
	}
	return false
}

func (c ServiceCategory) Valid() bool {
	for _, cats := range compatibility {
		for _, s := range cats {
			if s == c {
				return true
			}
		}
	}
	return false
}

// TechnicianState is the per-technician session state.
type TechnicianState string

const (
	TechOffline    TechnicianState = "OFFLINE"
	TechOnline     TechnicianState = "ONLINE"
	TechJobOffered TechnicianState = "JOB_OFFERED"
	TechEnRoute    TechnicianState = "EN_ROUTE"
	TechArrived    TechnicianState = "ARRIVED"
	TechInService  TechnicianState = "IN_SERVICE"
)

// OnJob is true while the technician is bound to an accepted job.
func (s TechnicianState) OnJob() bool {
	return s == TechEnRoute || s == TechArrived || s == TechInService
}

type Technician struct {
	ID              string          `json:"id"`
	Position        *Coord          `json:"position,omitempty"`
	VehicleType     VehicleType     `json:"vehicle_type"`
	Online          bool            `json:"online"`
	ActiveOffers    int             `json:"active_offers"`
	Rating          float64         `json:"rating"` // 0..5
	CompletedJobs   int             `json:"completed_jobs"`
	LastCompletedAt time.Time       `json:"last_completed_at"`
	PayoutAccount   string          `json:"payout_account,omitempty"`
	DeviceToken     string          `json:"device_token,omitempty"`
	State           TechnicianState `json:"state"`
	CurrentJob      string          `json:"current_job,omitempty"`
	Updated         time.Time       `json:"updated"`
}

type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestAssigned   RequestStatus = "ASSIGNED"
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestCancelled  RequestStatus = "CANCELLED"
)

func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestCancelled
}

// requestTransitions is the request status flow as code.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:    {RequestAssigned, RequestCancelled},
	RequestAssigned:   {RequestInProgress, RequestCancelled},
	RequestInProgress: {RequestCompleted},
}

func CanTransition(from, to RequestStatus) bool {
	for _, s := range requestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Marker values flag a PENDING request that a periodic re-scan should retry.
const (
	MarkerNone        = ""
	MarkerNoCandidate = "no_technician_available"
	MarkerExhausted   = "exhausted"
	// MarkerInterrupted is left when the process stopped mid-negotiation.
	MarkerInterrupted = "interrupted"
)

type AssistanceRequest struct {
	ID           string          `json:"id"`
	RequesterID  string          `json:"requester_id"`
	Location     Coord           `json:"location"`
	Category     ServiceCategory `json:"category"`
	Priority     int             `json:"priority"`
	Status       RequestStatus   `json:"status"`
	Marker       string          `json:"marker,omitempty"`
	TechnicianID *string         `json:"technician_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	AssignedAt   *time.Time      `json:"assigned_at,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	Earnings     *Payout         `json:"earnings,omitempty"`
}

type OfferStatus string

const (
	OfferOffered    OfferStatus = "OFFERED"
	OfferAccepted   OfferStatus = "ACCEPTED"
	OfferDeclined   OfferStatus = "DECLINED"
	OfferExpired    OfferStatus = "EXPIRED"
	OfferSuperseded OfferStatus = "SUPERSEDED"
)

type JobOffer struct {
	ID           string          `json:"id"`
	RequestID    string          `json:"request_id"`
	TechnicianID string          `json:"technician_id"`
	Rank         int             `json:"rank"`
	DistanceKm   float64         `json:"distance_km"`
	Category     ServiceCategory `json:"category"`
	Location     Coord           `json:"location"`
	Status       OfferStatus     `json:"status"`
	IssuedAt     time.Time       `json:"issued_at"`
	Deadline     time.Time       `json:"deadline"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

type Stage string

const (
	StageSearching        Stage = "SEARCHING"
	StageProviderAssigned Stage = "PROVIDER_ASSIGNED"
	StageEnRoute          Stage = "EN_ROUTE"
	StageArriving         Stage = "ARRIVING"
	StageArrived          Stage = "ARRIVED"
	StageInService        Stage = "IN_SERVICE"
	StageCompleted        Stage = "COMPLETED"
)

var stageOrder = map[Stage]int{
	StageSearching:        0,
	StageProviderAssigned: 1,
	StageEnRoute:          2,
	StageArriving:         3,
	StageArrived:          4,
	StageInService:        5,
	StageCompleted:        6,
}

// Before reports whether s comes strictly before o in the tracking lifecycle.
func (s Stage) Before(o Stage) bool {
	return stageOrder[s] < stageOrder[o]
}

type TrackingSession struct {
	ID                  string        `json:"id"`
	RequestID           string        `json:"request_id"`
	TechnicianID        string        `json:"technician_id"`
	Stage               Stage         `json:"stage"`
	Destination         Coord         `json:"destination"`
	Position            *Coord        `json:"position,omitempty"`
	PositionAt          time.Time     `json:"position_at"`
	HeadingDeg          *float64      `json:"heading_deg,omitempty"`
	SpeedKmh            *float64      `json:"speed_kmh,omitempty"`
	ETA                 time.Duration `json:"eta"`
	StageEnteredAt      time.Time     `json:"stage_entered_at"`
	InitialDistanceKm   float64       `json:"initial_distance_km"`
	DistanceTravelledKm float64       `json:"distance_travelled_km"`
}

type Payout struct {
	RequestID        string      `json:"request_id"`
	TechnicianID     string      `json:"technician_id"`
	VehicleType      VehicleType `json:"vehicle_type"`
	DistanceKm       float64     `json:"distance_km"`
	BaseCents        int64       `json:"base_cents"`
	PeakBonusCents   int64       `json:"peak_bonus_cents"`
	RatingBonusCents int64       `json:"rating_bonus_cents"`
	AmountCents      int64       `json:"amount_cents"`
	Currency         string      `json:"currency"`
	ComputedAt       time.Time   `json:"computed_at"`
}
