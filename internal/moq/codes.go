package moq

// SUBSCRIBE_ERROR and PUBLISH_ERROR codes.
const (
	SubscribeErrInternal           uint64 = 0x0
	SubscribeErrUnauthorized       uint64 = 0x1
	SubscribeErrTimeout            uint64 = 0x2
	SubscribeErrNotSupported       uint64 = 0x3
	SubscribeErrTrackDoesNotExist  uint64 = 0x4
	SubscribeErrInvalidRange       uint64 = 0x5
	SubscribeErrRetryTrackAlias    uint64 = 0x6
	SubscribeErrMalformedAuthToken uint64 = 0x10
)

// ANNOUNCE_ERROR and ANNOUNCE_CANCEL codes.
const (
	AnnounceErrInternal     uint64 = 0x0
	AnnounceErrUnauthorized uint64 = 0x1
	AnnounceErrTimeout      uint64 = 0x2
	AnnounceErrNotSupported uint64 = 0x3
	AnnounceErrUninterested uint64 = 0x4
)

// SUBSCRIBE_DONE / PUBLISH_DONE status codes.
const (
	DoneInternalError     uint64 = 0x0
	DoneUnauthorized      uint64 = 0x1
	DoneTrackEnded        uint64 = 0x2
	DoneSubscriptionEnded uint64 = 0x3
	DoneGoingAway         uint64 = 0x4
	DoneExpired           uint64 = 0x5
	DoneTooFarBehind      uint64 = 0x6
)

// Session termination codes passed to the transport on close.
const (
	CloseNoError             uint32 = 0x0
	CloseInternalError       uint32 = 0x1
	CloseUnauthorized        uint32 = 0x2
	CloseProtocolViolation   uint32 = 0x3
	CloseInvalidRequestID    uint32 = 0x4
	CloseDuplicateTrackAlias uint32 = 0x5
	CloseVersionNegotiation  uint32 = 0x15
)
