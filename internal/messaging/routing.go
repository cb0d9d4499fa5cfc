package messaging

import (
	"fmt"
	"strconv"
	"strings"
)

// Exchange names. Both are durable topic exchanges. All intra-system traffic
// flows over the internal exchange.
const (
	InternalExchange = "internal_service_events"
	ExternalExchange = "external_service_events"
)

// Entity is the closed set of routable subjects.
type Entity string

const (
	EntityWorker             Entity = "worker"
	EntityGameServerInstance Entity = "game_server_instance"
)

// MessageType is the closed set of routable message kinds.
type MessageType string

const (
	TypeStatus  MessageType = "status"
	TypeCommand MessageType = "command"
	TypeLog     MessageType = "log"
)

// Part is one dot-delimited component of a routing key: either a concrete
// value or one of the two topic wildcards.
type Part struct {
	value    string
	wildcard bool
}

// Exact returns a concrete part.
func Exact(v string) Part { return Part{value: v} }

// Any matches exactly one component ("*").
func Any() Part { return Part{value: "*", wildcard: true} }

// AnyMulti matches zero or more components ("#").
func AnyMulti() Part { return Part{value: "#", wildcard: true} }

// IsWildcard reports whether the part is "*" or "#".
func (p Part) IsWildcard() bool { return p.wildcard }

func (p Part) String() string { return p.value }

func parsePart(s string) Part {
	switch s {
	case "*":
		return Any()
	case "#":
		return AnyMulti()
	default:
		return Exact(s)
	}
}

// RoutingKey is a topic key of the shape entity.identifier.type[.subtype].
// Each component accepts both concrete values and wildcards.
type RoutingKey struct {
	Entity     Part
	Identifier Part
	Type       Part
	Subtype    Part // optional; zero value means absent
}

// String builds the wire form of the key.
func (k RoutingKey) String() string {
	parts := []string{k.Entity.String(), k.Identifier.String(), k.Type.String()}
	if k.Subtype.String() != "" {
		parts = append(parts, k.Subtype.String())
	}
	return strings.Join(parts, ".")
}

// ParseRoutingKey parses a wire key back into its components. Concrete entity
// and type components must belong to their closed sets.
func ParseRoutingKey(s string) (RoutingKey, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 3 || len(parts) > 4 {
		return RoutingKey{}, fmt.Errorf("routing key %q must have 3 or 4 components", s)
	}
	for i, p := range parts {
		if p == "" {
			return RoutingKey{}, fmt.Errorf("routing key %q has an empty component at position %d", s, i)
		}
	}

	entity := parsePart(parts[0])
	if !entity.IsWildcard() {
		switch Entity(entity.String()) {
		case EntityWorker, EntityGameServerInstance:
		default:
			return RoutingKey{}, fmt.Errorf("unknown entity %q in routing key %q", parts[0], s)
		}
	}

	typ := parsePart(parts[2])
	if !typ.IsWildcard() {
		switch MessageType(typ.String()) {
		case TypeStatus, TypeCommand, TypeLog:
		default:
			return RoutingKey{}, fmt.Errorf("unknown message type %q in routing key %q", parts[2], s)
		}
	}

	key := RoutingKey{
		Entity:     entity,
		Identifier: parsePart(parts[1]),
		Type:       typ,
	}
	if len(parts) == 4 {
		key.Subtype = parsePart(parts[3])
	}
	return key, nil
}

// Conventional keys used by this system.

// WorkerStatusKey routes status published by a worker.
func WorkerStatusKey(workerID int64) RoutingKey {
	return RoutingKey{
		Entity:     Exact(string(EntityWorker)),
		Identifier: Exact(strconv.FormatInt(workerID, 10)),
		Type:       Exact(string(TypeStatus)),
	}
}

// WorkerCommandKey routes commands addressed to a worker.
func WorkerCommandKey(workerID int64) RoutingKey {
	return RoutingKey{
		Entity:     Exact(string(EntityWorker)),
		Identifier: Exact(strconv.FormatInt(workerID, 10)),
		Type:       Exact(string(TypeCommand)),
	}
}

// InstanceStatusKey routes status published by a game server instance.
func InstanceStatusKey(instanceID int64) RoutingKey {
	return RoutingKey{
		Entity:     Exact(string(EntityGameServerInstance)),
		Identifier: Exact(strconv.FormatInt(instanceID, 10)),
		Type:       Exact(string(TypeStatus)),
	}
}

// InstanceCommandKey routes commands addressed to a game server instance.
func InstanceCommandKey(instanceID int64) RoutingKey {
	return RoutingKey{
		Entity:     Exact(string(EntityGameServerInstance)),
		Identifier: Exact(strconv.FormatInt(instanceID, 10)),
		Type:       Exact(string(TypeCommand)),
	}
}

// AllStatusKey matches every status message from any subject.
func AllStatusKey() RoutingKey {
	return RoutingKey{Entity: Any(), Identifier: Any(), Type: Exact(string(TypeStatus))}
}

// AllLogsKey matches every log message from any subject.
func AllLogsKey() RoutingKey {
	return RoutingKey{Entity: Any(), Identifier: Any(), Type: Exact(string(TypeLog))}
}

// Binding pairs an exchange with the routing keys bound (or published) on it.
type Binding struct {
	Exchange string
	Keys     []RoutingKey
}

// QueueConfig describes the queue a subscriber declares.
type QueueConfig struct {
	Name       string
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// CommandQueueConfig is the durable, non-exclusive queue a worker or instance
// consumes its commands from.
func CommandQueueConfig(entity Entity, id int64) QueueConfig {
	return QueueConfig{
		Name:    fmt.Sprintf("dev-queue-%s-%d", entity, id),
		Durable: true,
	}
}
