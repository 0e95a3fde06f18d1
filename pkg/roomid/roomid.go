// Package roomid derives and decodes the identifiers of two-party chat rooms.
//
// A room id is "{smaller}__**__{larger}", so both participants compute the
// same id without asking the server.
package roomid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Separator joins the two participant ids.
const Separator = "__**__"

var (
	// ErrInvalidFormat is returned when a room id does not hold exactly two ids.
	ErrInvalidFormat = errors.New("invalid room id format")

	// ErrNotParticipant is returned when a user is not one of the room's two ids.
	ErrNotParticipant = errors.New("user is not a participant of the room")
)

// Generate returns the room id shared by users a and b.
func Generate(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + Separator + strconv.FormatInt(b, 10)
}

// Extract returns the two participant ids of roomID in ascending order,
// whatever order they are encoded in.
func Extract(roomID string) (int64, int64, error) {
	parts := strings.Split(roomID, Separator)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidFormat, roomID)
	}

	first, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrInvalidFormat, roomID, err)
	}
	second, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: %v", ErrInvalidFormat, roomID, err)
	}

	if first > second {
		first, second = second, first
	}
	return first, second, nil
}

// OtherUserID returns the participant of roomID that is not currentUserID.
func OtherUserID(roomID string, currentUserID int64) (int64, error) {
	first, second, err := Extract(roomID)
	if err != nil {
		return 0, err
	}

	switch currentUserID {
	case first:
		return second, nil
	case second:
		return first, nil
	default:
		return 0, fmt.Errorf("%w: user %d, room %q", ErrNotParticipant, currentUserID, roomID)
	}
}

// Contains reports whether userID is one of the participants of roomID.
func Contains(roomID string, userID int64) bool {
	first, second, err := Extract(roomID)
	if err != nil {
		return false
	}
	return userID == first || userID == second
}
