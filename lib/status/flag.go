package status

import (
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Flag is a blacklist reason flag. The hex-style tokens match the wire format
// operators type in commands, e.g. "/blacklist 0xSP".
type Flag string

// known blacklist flags
const (
	FlagNone         Flag = ""
	FlagSpam         Flag = "0xSP"
	FlagBanEvade     Flag = "0xEVADE"
	FlagChildAbuse   Flag = "0xCACP"
	FlagImpersonator Flag = "0xIMPERSONATOR"
	FlagPiracy       Flag = "0xPIRACY"
	FlagNameSpam     Flag = "0xNAMESPAM"
	FlagScam         Flag = "0xSCAM"
	FlagRaid         Flag = "0xRAID"
	FlagMassAdding   Flag = "0xMASSADD"
	FlagPrivateSpam  Flag = "0xPRIVATE"
	FlagSpecial      Flag = "0xSPECIAL"
)

// knownFlags lists every parsable flag, FlagNone included as "none" aliases.
var knownFlags = []Flag{FlagSpam, FlagBanEvade, FlagChildAbuse, FlagImpersonator, FlagPiracy,
	FlagNameSpam, FlagScam, FlagRaid, FlagMassAdding, FlagPrivateSpam, FlagSpecial}

// UnknownFlagError is returned on an unrecognized flag token. Suggestion holds
// the closest known flag by edit distance, to be offered to the operator.
type UnknownFlagError struct {
	Token      string
	Suggestion Flag
}

func (e *UnknownFlagError) Error() string {
	return fmt.Sprintf("unknown blacklist flag %q, did you mean %q?", e.Token, string(e.Suggestion))
}

// ParseFlag normalizes a flag token, case-insensitive. Empty string, "none" and
// "remove" all map to FlagNone. Unknown tokens return UnknownFlagError with the
// closest known flag as a suggestion.
func ParseFlag(token string) (Flag, error) {
	normalized := strings.ToUpper(strings.TrimSpace(token))
	switch normalized {
	case "", "NONE", "REMOVE":
		return FlagNone, nil
	}
	if !strings.HasPrefix(normalized, "0X") {
		normalized = "0X" + normalized // allow "sp" as a shortcut for "0xSP"
	}
	for _, f := range knownFlags {
		if strings.EqualFold(normalized, string(f)) {
			return f, nil
		}
	}

	closest, minDist := knownFlags[0], -1
	for _, f := range knownFlags {
		dist := levenshtein.ComputeDistance(normalized, strings.ToUpper(string(f)))
		if minDist < 0 || dist < minDist {
			closest, minDist = f, dist
		}
	}
	return FlagNone, &UnknownFlagError{Token: token, Suggestion: closest}
}

func (f Flag) String() string {
	if f == FlagNone {
		return "none"
	}
	return string(f)
}
