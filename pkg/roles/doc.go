// Package roles decides who owns a room and who may edit it.
//
// Ownership is a single last-writer-wins key in the room region. The first
// synced peer of an empty room claims it; everyone else records themselves
// as viewer until the owner promotes them. The owner is always treated as an
// editor, whatever the role map says.
package roles
