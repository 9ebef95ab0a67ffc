// Package notifier delivers claim confirmations to a human.
//
// A Message (subject + body) is fanned out to every configured Channel
// (Telegram, SMTP, log). Delivery is asynchronous: Notify only enqueues, and a
// small worker pool sends with a shared rate limit and bounded, jittered
// retries. Delivery failures are logged and published on the event bus; they
// never reach the caller.
package notifier
