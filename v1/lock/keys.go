package lock

import "fmt"

// DefaultPrefix namespaces every key written by the manager.
const DefaultPrefix = "crowdlock"

// Keyspace builds the Redis keys used for slots.
type Keyspace struct {
	Prefix string
}

func (k Keyspace) prefix() string {
	if k.Prefix == "" {
		return DefaultPrefix
	}
	return k.Prefix
}

// SlotPrefix is the key prefix shared by all slots of a resource; the holder
// id is appended to it.
func (k Keyspace) SlotPrefix(resourceID string) string {
	return fmt.Sprintf("%s:lock:task:%s:holder:", k.prefix(), resourceID)
}

// Slot returns the key of the slot held by holderID on resourceID.
func (k Keyspace) Slot(resourceID, holderID string) string {
	return k.SlotPrefix(resourceID) + holderID
}

// Holders returns the key of the set of holders of resourceID.
func (k Keyspace) Holders(resourceID string) string {
	return fmt.Sprintf("%s:lock:task:%s:holders", k.prefix(), resourceID)
}

// Index returns the key of the reverse index of holderID.
func (k Keyspace) Index(holderID string) string {
	return fmt.Sprintf("%s:lock:holder:%s:tasks", k.prefix(), holderID)
}
