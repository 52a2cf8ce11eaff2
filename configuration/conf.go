package configuration

import (
	"time"
)

// DefaultPort is the UDP port sessions listen on when none is given.
const DefaultPort = 27980

type Config struct {
	IdBits      int
	KBucketK    int
	Alpha       int
	Replicas    int
	StoreQuorum int

	InitialContactTimeout time.Duration
	BootstrapRetries      int
	RpcTimeout            time.Duration
	PingTimeout           time.Duration
	RefreshInterval       time.Duration

	MaxValueSize int
	PollBatch    int
	PollInterval time.Duration
}

func Default() Config {
	return Config{
		IdBits:      160,
		KBucketK:    20,
		Alpha:       3,
		Replicas:    3,
		StoreQuorum: 1,

		InitialContactTimeout: time.Second,
		BootstrapRetries:      2,
		RpcTimeout:            500 * time.Millisecond,
		PingTimeout:           500 * time.Millisecond,
		RefreshInterval:       15 * time.Minute,

		MaxValueSize: 64 << 10,
		PollBatch:    256,
		PollInterval: 10 * time.Millisecond,
	}
}
