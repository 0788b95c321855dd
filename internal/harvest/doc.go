// Package harvest defines the core types, errors, and collaborator contracts
// shared by the portal navigator, the sweep driver, and the merge engine.
package harvest
