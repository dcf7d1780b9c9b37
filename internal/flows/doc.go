// Package flows holds engine orchestrators that take a typed dependency
// struct instead of the engine itself.
//
// Flows coordinate the session store, token encoding, metrics and audit
// callbacks but own none of them. They must not import the root package
// and must not keep state between calls.
package flows
