package delivery

// MaxSendOrder is the largest send order handed to the transport. It is
// kept within 53 bits so it survives any peer that stores it as a double.
const MaxSendOrder int64 = 1<<53 - 1

// SendOrder derives a stream's send order from the chunk sequence id.
// Newer chunks get a larger order and go first. High-priority tracks are
// offset by half the range so they win over low-priority chunks of the
// same age. A negative sequence id means send immediately. The result
// saturates at MaxSendOrder.
func SendOrder(seqID int64, highPriority bool) int64 {
	if seqID < 0 {
		return MaxSendOrder
	}
	v := min(seqID, MaxSendOrder)
	if highPriority {
		v += MaxSendOrder / 2
	}
	return min(v, MaxSendOrder)
}
