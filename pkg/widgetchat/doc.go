// Package widgetchat is the real-time conversation client of the chatbot widget.
//
// A Session owns the conversation state: it connects through a Transport, joins or resumes the
// conversation remembered by the SessionStore, sends user turns with a bounded history window,
// assembles streamed assistant output and reconciles the durable messages the backend sends
// afterwards. All state lives on a single loop goroutine started by Session.Run; callers talk
// to it through the exported methods and observe it through Snapshot or a change listener.
package widgetchat
