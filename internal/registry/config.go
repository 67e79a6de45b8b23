package registry

import "time"

// Config bundles every tunable named in spec §6 "Configuration". The
// constructor uses the values as given; zero values are not replaced by
// Default()'s values.
type Config struct {
	MaxQueueSize int

	MaxSendsPerMinute int
	MaxSendsPerHour   int

	ReadyTimeout         time.Duration
	SoftRestartTimeout   time.Duration
	HardRestartTimeout   time.Duration
	RestartBaseBackoff   time.Duration

	MaxRestartsPerWindow int
	RestartWindow        time.Duration

	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration
	MaxSendAttempts  int

	TypingEnabledDefault bool
	TypingMinDelay       time.Duration
	TypingMaxDelay       time.Duration
	TypingMaxTotal       time.Duration

	ReadyPollInterval time.Duration

	ReadyWatchdogTimeout      time.Duration
	ConnectingWatchdogTimeout time.Duration
	ConnectingWatchdogMaxTries int
	NeedsQRTTL                time.Duration
	NeedsQRMaxAttempts         int

	DestroyTimeout time.Duration

	SendTimeout time.Duration

	// RestrictionPatterns classifies a disconnect reason as RESTRICTED when it
	// contains any of these substrings, case-insensitively (Open Question #2).
	RestrictionPatterns []string

	SendPace time.Duration

	// QRSyncGrace and SyncingMaxAge parametrize the SystemModeController's
	// NEEDS_QR grace window and stuck-CONNECTING cap (spec §4.6, §6
	// "qrSyncGraceMs / syncingMaxMs").
	QRSyncGrace   time.Duration
	SyncingMaxAge time.Duration

	// Outbound/inbound system-mode-aware buffers (spec §4.7).
	OutboundQueueCapacity int
	OutboundDrainDelay    time.Duration
	InboundBufferCapacity int
	InboundBatchSize      int
	InboundBatchDelay     time.Duration
}

// Default returns the configuration defaults listed in spec §6.
func Default() Config {
	return Config{
		MaxQueueSize:         200,
		MaxSendsPerMinute:    6,
		MaxSendsPerHour:      60,
		ReadyTimeout:         180 * time.Second,
		SoftRestartTimeout:   180 * time.Second,
		HardRestartTimeout:   180 * time.Second,
		RestartBaseBackoff:   2 * time.Second,
		MaxRestartsPerWindow: 4,
		RestartWindow:        10 * time.Minute,
		RetryBaseBackoff:     5 * time.Second,
		RetryMaxBackoff:      120 * time.Second,
		MaxSendAttempts:      5,
		TypingEnabledDefault: true,
		TypingMinDelay:       600 * time.Millisecond,
		TypingMaxDelay:       1800 * time.Millisecond,
		TypingMaxTotal:       2500 * time.Millisecond,
		ReadyPollInterval:    15 * time.Second,

		ReadyWatchdogTimeout:       10 * time.Minute,
		ConnectingWatchdogTimeout:  3 * time.Minute,
		ConnectingWatchdogMaxTries: 3,
		NeedsQRTTL:                 5 * time.Minute,
		NeedsQRMaxAttempts:         3,

		DestroyTimeout: 15 * time.Second,

		SendTimeout: 30 * time.Second,

		RestrictionPatterns: []string{"banned", "restricted", "blocked"},

		SendPace: 500 * time.Millisecond,

		QRSyncGrace:   30 * time.Second,
		SyncingMaxAge: time.Hour,

		OutboundQueueCapacity: 64,
		OutboundDrainDelay:    250 * time.Millisecond,
		InboundBufferCapacity: 256,
		InboundBatchSize:      20,
		InboundBatchDelay:     200 * time.Millisecond,
	}
}
