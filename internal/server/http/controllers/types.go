package controllers

// Common request/response types for HTTP controllers

// startRunReq optionally overrides the configured run input.
type startRunReq struct {
	ChannelID    string `json:"channelId,omitempty"`
	WaitDuration string `json:"waitDuration,omitempty"`
}

// runIDReq names a run.
type runIDReq struct {
	ID string `json:"id"`
}

// runIDResp returns the id of a created run.
type runIDResp struct {
	ID string `json:"id"`
}

// messageIDReq names a queued or dead-lettered message.
type messageIDReq struct {
	ID string `json:"id"`
}
