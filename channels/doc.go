// Package channels delivers one-time codes over email and WhatsApp.
//
// Every sender implements goMFA.ChannelSender. Templates are rendered with
// text/template from the Message params; the code itself is never logged.
// Wrap a sender in a Breaker to stop hammering a failing provider.
package channels
