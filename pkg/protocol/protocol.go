package protocol

// Signaling message types shared between client and server.
const (
	MsgJoin         = "join"
	MsgLeave        = "leave"
	MsgOffer        = "offer"
	MsgAnswer       = "answer"
	MsgICECandidate = "ice-candidate"
	MsgJoined       = "joined"
	MsgUserJoined   = "user-joined"
	MsgUserLeft     = "user-left"
	MsgError        = "error"
)

// Rejection reasons carried in error envelopes.
const (
	ReasonInvalidPayload  = "Invalid message payload"
	ReasonNotJoined       = "Not joined"
	ReasonRoomFull        = "Room is full"
	ReasonMissingFrom     = "join requires a non-empty from"
	ReasonMissingRoom     = "join requires a non-empty roomId"
	ReasonInvalidUserType = "join requires data.userType of doctor, patient or unknown"
)
