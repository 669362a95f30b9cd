// Package scheduler picks the next task to offer a worker. A task is only
// returned after a slot on it was granted by the lock manager and the offer
// was stamped, so concurrent schedulers never hand a task to more workers
// than it requires.
package scheduler
