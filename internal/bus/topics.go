package bus

import (
	"fmt"
	"strings"
)

// Routing keys and queue names, exactly as specified in spec.md §6.
func SysinfoRoutingKey(cnUUID string) string   { return "ur.sysinfo." + cnUUID }
func StartupRoutingKey(cnUUID string) string   { return "ur.startup." + cnUUID } // legacy
func HeartbeatRoutingKey(cnUUID string) string { return "heartbeat." + cnUUID }

func ExecuteRoutingKey(cnUUID, reqID string) string {
	return fmt.Sprintf("ur.execute.%s.%s", cnUUID, reqID)
}

func BroadcastSysinfoRoutingKey(reqID string) string {
	return "ur.broadcast.sysinfo." + reqID
}

func ExecuteReplyRoutingKey(cnUUID, reqID string) string {
	return fmt.Sprintf("ur.execute-reply.%s.%s", cnUUID, reqID)
}

func ExecuteReplyPattern(reqID string) string {
	return fmt.Sprintf("ur.execute-reply.*.%s", reqID)
}

func ReplyQueueName(reqID string) string { return "ur.cnapi." + reqID }

func TaskCommandRoutingKey(resource, cnUUID, taskName string) string {
	return fmt.Sprintf("%s.%s.task.%s", resource, cnUUID, taskName)
}

func TaskEventRoutingKey(resource, cnUUID, eventName, clientID, taskID string) string {
	return fmt.Sprintf("%s.%s.event.%s.%s.%s", resource, cnUUID, eventName, clientID, taskID)
}

// CNUUIDFromRoutingKey extracts the compute-node UUID from an inbound
// routing key: spec.md §4.B says "the CN UUID is the third dot-segment
// of the routing key", a fixed position regardless of how many segments
// follow it (e.g. "ur.sysinfo.<uuid>" as well as the four-segment
// "ur.execute-reply.<uuid>.<reqid>").
func CNUUIDFromRoutingKey(routingKey string) (string, bool) {
	segs := strings.Split(routingKey, ".")
	if len(segs) < 3 || segs[2] == "" {
		return "", false
	}
	return segs[2], true
}
