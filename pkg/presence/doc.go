// Package presence shares ephemeral per-connection state (who is here, their
// name and cursor color) next to the room store but never inside it. Entries
// are last-writer-wins per connection, renewed periodically, and dropped
// when a peer leaves or stops renewing.
package presence
