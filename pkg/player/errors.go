package player

import "errors"

var (
	// ErrNotPlaying is returned by controls when no decode session is live.
	ErrNotPlaying = errors.New("player: player was destroyed or nothing is playing")

	// ErrUnsupported is returned for invalid mode combinations, such as a
	// second subscription while encryption is delegated.
	ErrUnsupported = errors.New("player: unsupported")

	// ErrInternal wraps faults of collaborators: session creation, secret
	// box installation and fatal decode errors.
	ErrInternal = errors.New("player: internal error")

	// ErrSuperseded is returned by Start when a newer Play replaced the
	// track while streams were loading. The stale result is discarded.
	ErrSuperseded = errors.New("player: superseded by a newer play")
)
