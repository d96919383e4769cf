package errs

// ===== 错误码 =====
const (
	ServerInternalError = 500
	ArgsError           = 1001
	RecordNotFoundError = 1004

	Unauthorized      = 4001 // bad or missing credentials
	Forbidden         = 4003
	SessionNotFound   = 4004
	Draining          = 5031 // process is shutting down, retry on another instance
	StoreUnavailable  = 5032
	NamespaceClosed   = 5033
	ConnNotFoundError = 4044
)

var (
	ErrInternal         = NewCodeError(ServerInternalError, "ServerInternalError")
	ErrArgs             = NewCodeError(ArgsError, "ArgsError")
	ErrRecordNotFound   = NewCodeError(RecordNotFoundError, "RecordNotFoundError")
	ErrUnauthorized     = NewCodeError(Unauthorized, "unauthorized")
	ErrForbidden        = NewCodeError(Forbidden, "forbidden")
	ErrSessionNotFound  = NewCodeError(SessionNotFound, "session not found")
	ErrDraining         = NewCodeError(Draining, "server_draining")
	ErrStoreUnavailable = NewCodeError(StoreUnavailable, "store unavailable")
	ErrNamespaceClosed  = NewCodeError(NamespaceClosed, "namespace closed")
	ErrConnNotFound     = NewCodeError(ConnNotFoundError, "connection not found")
)
