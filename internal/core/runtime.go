package core

import "context"

// Surface is the UI boundary events are delivered to.
type Surface interface {
	Available() bool
	Emit(ctx context.Context, event Event) error
}

// PreviewSurface is the companion view that shows streamed file content.
type PreviewSurface interface {
	CurrentURL() string
	// Navigate returns once the navigation has finished loading.
	Navigate(ctx context.Context, url string) error
	ShowContent(ctx context.Context, content string) error
}

type EventLogger interface {
	Emit(event Event) error
}
