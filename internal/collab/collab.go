// Package collab holds the small external-collaborator interfaces the
// gateway depends on but does not want to own the implementation of:
// desktop notifications, browser launching for the OAuth redirect
// step, and the optional IDE-identity side channel. internal/gateway
// wires LogNotificationSink into the quota monitor, which also falls
// back to it when given a nil sink (as its unit tests do).
package collab

import (
	"context"

	"github.com/skratchdot/open-golang/open"
	log "github.com/sirupsen/logrus"
)

// NotificationSink is told about auto-switch decisions so a desktop
// notification (or any other out-of-band channel) can surface them to
// the operator. Implementations must not block the quota monitor loop
// for long; Notify is called synchronously after a switch.
type NotificationSink interface {
	Notify(ctx context.Context, title, body string) error
}

// LogNotificationSink logs the notification at Info level. It is the
// default sink when no richer one is configured.
type LogNotificationSink struct{}

func (LogNotificationSink) Notify(_ context.Context, title, body string) error {
	log.WithField("title", title).Info(body)
	return nil
}

// BrowserLauncher opens a URL in the operator's default browser, used
// to kick off the OAuth consent redirect during account linking.
type BrowserLauncher interface {
	Open(url string) error
}

// SystemBrowserLauncher shells out to the OS's registered URL handler.
type SystemBrowserLauncher struct{}

func (SystemBrowserLauncher) Open(url string) error {
	return open.Run(url)
}

// IDEIdentitySink lets an IDE extension push account-identity hints
// (e.g. the email of the account the user is signed into the IDE
// with) into the gateway via a side channel outside the HTTP surface,
// such as a local database the IDE also writes to. The gateway never
// requires this; no code in this module calls IdentityHint.
type IDEIdentitySink interface {
	IdentityHint(ctx context.Context) (email string, ok bool)
}

// NoopIDEIdentitySink is used when no IDE integration is configured.
type NoopIDEIdentitySink struct{}

func (NoopIDEIdentitySink) IdentityHint(context.Context) (string, bool) {
	return "", false
}
