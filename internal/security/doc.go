// Package security summarizes an engine configuration for operators: a
// flat report of the settings that matter for an audit, and lint warnings
// for values that are valid but weaker than they should be in production.
//
// # What this package must NOT do
//
//   - Import authcore. The root package converts its Config into a
//     [ReportInput].
//   - Reject configurations. Validation belongs to Config.Validate.
package security
