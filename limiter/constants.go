package limiter

// LimitBy types
const (
	LimitByIP       = "ip"
	LimitByDeviceID = "device_id"
	LimitByUserID   = "user_id"
)

// EnvPrefix prefixes the environment variables that override Config fields.
const EnvPrefix = "FLOODGATE_"
