// Package timeline defines the conversation timeline model and its backing
// store.
//
// A timeline is an ordered list of items, each a tagged union over the kinds
// of rows a conversation view renders: user messages, LLM call markers,
// reasoning and content text, tool calls, structured results, errors, memory
// notes, and out-of-band support events. Items are grouped by turn id; the
// store keeps arrival order and an id index side by side so the engine can
// append fast and update in place.
//
// The store is deliberately not concurrency-safe. The conversation engine
// owns it behind a single apply loop, which is what makes the timeline's
// ordering guarantees cheap to provide.
package timeline
