package redisstream

// Settings holds the Redis Streams transport configuration for Watermill. When disabled, an
// in-process GoChannel pub/sub is used instead.
type Settings struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Group    string `yaml:"group" env:"GROUP"`
	Consumer string `yaml:"consumer" env:"CONSUMER"`
	// Buffer is the per-subscriber output buffer of the in-process pub/sub.
	Buffer int64 `yaml:"buffer" env:"BUFFER"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "widgetchat-backend",
		Consumer: "backend-1",
		Buffer:   256,
	}
}
