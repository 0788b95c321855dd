// Package harvester drives one harvest run end to end: it opens the portal,
// sweeps every parameter point, merges the results per entity, persists the
// entity tables and announces each file. It also re-merges raw dumps offline.
package harvester
