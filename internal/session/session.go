// Package session owns the chat-session state machine for metered 1:1
// chats: lookup and reuse of session rows per ordered user pair, the
// active/ended lifecycle, and serialization of transitions so that billing
// timers are attached and cancelled deterministically.
package session
