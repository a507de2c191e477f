package entities

type RPCError struct {
	Code       int    `json:"Code"`
	Message    string `json:"Message"`
	StackTrace string `json:"StackTrace"`
}

type RPCBaseRes struct {
	ID       int       `json:"Id"`
	RPCError *RPCError `json:"Error"`
}

// Announcement is a (txid, script) pair delivered by the relay.
type Announcement struct {
	ID     uint64 `json:"id"`
	TxID   string `json:"txid"`
	Script string `json:"script"` // hex
}

type AnnouncementsRes struct {
	RPCBaseRes
	Result []*Announcement
}
