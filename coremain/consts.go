package coremain

// Defaults mirror ttdnsd.h's DEFAULT_* / MAX_* macros.
const (
	defaultBindIP      = "127.0.0.1"
	defaultBindPort    = 53
	defaultResolvers   = "ttdnsd.conf"
	defaultLog         = "ttdnsd.log"
	defaultChrootDir   = "/var/run/ttdnsd"
	defaultMetricsAddr = "127.0.0.1:9053"
	tsocksConfEnv      = "TSOCKS_CONF_FILE"

	maxNameservers = 32
	maxRequests    = 499
	maxPeers       = 1
)
