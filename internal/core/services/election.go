package services

import "fivecall/internal/core/domain"

// ElectInitiator returns the join slot whose peer proposes the connection.
// Both peers of a room evaluate it on the same passcode and agree without
// coordination: an even digit sum elects the first joiner, an odd one the second.
func ElectInitiator(roomID domain.RoomID) domain.Slot {
	sum := 0
	for _, r := range string(roomID) {
		if r >= '0' && r <= '9' {
			sum += int(r - '0')
		}
	}
	if sum%2 == 0 {
		return domain.SlotFirst
	}
	return domain.SlotSecond
}

// SlotFromParticipants maps the first participant count a session observes
// after its join acknowledgment to its join slot.
func SlotFromParticipants(count int) domain.Slot {
	switch {
	case count <= 0:
		return domain.SlotUnknown
	case count == 1:
		return domain.SlotFirst
	default:
		return domain.SlotSecond
	}
}

func IsInitiator(roomID domain.RoomID, own domain.Slot) bool {
	return own != domain.SlotUnknown && own == ElectInitiator(roomID)
}
