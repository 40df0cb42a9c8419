package controllers

import (
	"chatrelay-backend/eventstore"
	"chatrelay-backend/jobqueue"

	"gorm.io/gorm"
)

// Package-level handles wired once at startup (and by tests against an
// in-memory database). Handlers are plain functions bound to these.
var (
	db     *gorm.DB
	events *eventstore.Store
	jobs   *jobqueue.Queue
)

// Setup binds the controllers to a database with default-configured
// stores.
func Setup(database *gorm.DB) {
	SetupStores(database, eventstore.New(database), jobqueue.New(database))
}

// SetupStores binds the controllers to already-configured store
// instances, so handlers and worker share one backoff configuration.
func SetupStores(database *gorm.DB, eventStore *eventstore.Store, jobQueue *jobqueue.Queue) {
	db = database
	events = eventStore
	jobs = jobQueue
}
