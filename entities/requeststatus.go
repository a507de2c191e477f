package entities

const (
	AnnouncementAccepted = 1
	AnnouncementRetry    = 2
	AnnouncementRejected = 3
)

// AnnouncementStatus is reported back to the relay for each announcement.
type AnnouncementStatus struct {
	ID     uint64 `json:"id"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

type AnnouncementStatusRes struct {
	RPCBaseRes
	Result bool
}
