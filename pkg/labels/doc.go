// Package labels provides the declarative label configuration model and the
// diff engine that turns a desired configuration and the labels observed on a
// repository into an ordered plan of create, update and delete changes.
//
// The package includes:
// - Configuration, RepositoryConfig and LabelDefinition models loaded from YAML
// - The Hook sum type and the HookVisitor used to interpret it
// - Color normalization for hex and named colors
// - Diff, which validates a repository configuration and computes its Plan
package labels
