package store

// Incident status values. Transitions happen only through the lifecycle engine.
const (
	StatusAwaitingDepartment = "Awaiting_Department"
	StatusAwaitingClaim      = "Awaiting_Claim"
	StatusInProgress         = "In_Progress"
	StatusAwaitingSummary    = "Awaiting_Summary"
	StatusResolved           = "Resolved"
	StatusClosed             = "Closed"
)

// Participant rollup final statuses.
const (
	ParticipantActive        = "active"
	ParticipantReleased      = "released"
	ParticipantResolvedSelf  = "resolved_self"
	ParticipantResolvedOther = "resolved_other"
	ParticipantTransferred   = "transferred"
	ParticipantClosed        = "closed"
)

// Department session statuses.
const (
	SessionActive      = "active"
	SessionTransferred = "transferred"
	SessionResolved    = "resolved"
	SessionClosed      = "closed"
)

// Event types, append-only.
const (
	EventCreate              = "create"
	EventDepartmentAssigned  = "department_assigned"
	EventClaim               = "claim"
	EventRelease             = "release"
	EventResolutionRequested = "resolution_requested"
	EventResolve             = "resolve"
	EventAutoClosed          = "auto_closed"
)

// Notification queue statuses.
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// Group activation statuses.
const (
	GroupPending = "pending"
	GroupActive  = "active"
	GroupDenied  = "denied"
)

// Company is a tenant owning departments and groups.
type Company struct {
	ID        int64
	Name      string
	CreatedAt string
}

// Group is one chat channel attached to one company.
type Group struct {
	ID        int64
	CompanyID int64
	Title     string
	Status    string
	CreatedAt string
}

// Department is a named work queue inside a company.
type Department struct {
	ID                  int64
	CompanyID           int64
	Name                string
	RestrictedToMembers bool
	CreatedAt           string
}

// User is a platform user the bot has seen.
type User struct {
	ID           int64
	Handle       string
	FirstName    string
	LastName     string
	LanguageCode string
	IsBot        bool
	GlobalRole   string
	LastSeenAt   string
}

// Incident is one ticket moving through the lifecycle.
type Incident struct {
	IncidentID      string
	GroupID         int64
	CompanyID       int64
	CreatedByID     int64
	CreatedByHandle string
	Description     string

	PinnedMessageID int64
	SourceMessageID int64

	DepartmentID *int64
	Status       string

	PendingResolutionByUserID *int64
	ResolvedByUserID          *int64
	ResolutionSummary         string

	CreatedAt             string
	DepartmentAssignedAt  string
	FirstClaimedAt        string
	LastClaimedAt         string
	ResolutionRequestedAt string
	ResolvedAt            string
}

// Claim is one user actively working an incident for a department.
type Claim struct {
	ID           int64
	IncidentID   string
	UserID       int64
	DepartmentID int64
	ClaimedAt    string
	ReleasedAt   string
	IsActive     bool
}

// ActiveClaim is a claim joined with the claimant's handle for rendering.
type ActiveClaim struct {
	UserID       int64
	DepartmentID int64
	Handle       string
	ClaimedAt    string
}

// Participant is the per-(incident, user, department) engagement rollup.
type Participant struct {
	IncidentID         string
	UserID             int64
	DepartmentID       int64
	FirstClaimedAt     string
	LastClaimedAt      string
	ActiveSince        string // empty when not currently claimed
	TotalActiveSeconds int64
	JoinCount          int
	Status             string
	ResolvedAt         string
}

// DepartmentSession records one department assignment interval on an incident.
type DepartmentSession struct {
	ID           int64
	IncidentID   string
	DepartmentID int64
	AssignedAt   string
	AssignedByID int64
	ClaimedAt    string
	ReleasedAt   string
	Status       string
}

// Event is an immutable log entry.
type Event struct {
	ID         int64
	IncidentID string
	Type       string
	ActorID    int64
	At         string
	Metadata   string // json
}

// Notification is a queue row drained by the adapter.
type Notification struct {
	ID        string
	GroupID   int64
	Kind      string
	Payload   string
	Status    string
	CreatedAt string
	SentAt    string
	LastError string
}

// Membership describes what the store knows about a (group, user) pair.
type Membership struct {
	Group    Group
	Company  Company
	IsActive bool
}
