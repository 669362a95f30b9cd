// Package adapter connects crowdlock to its backing stores: Redis for slots
// and offer stamps, and a SQL database reached through GORM for projects,
// tasks, answers and worker profiles.
package adapter
