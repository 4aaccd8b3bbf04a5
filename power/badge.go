package power

// Badge style classes.
const (
	ClassDanger    = "danger"
	ClassSecondary = "secondary"
	ClassLight     = "light"
	ClassWarning   = "warning"
)

// Badge texts.
const (
	TextOn          = "MAINS ON"
	TextOff         = "OFF"
	TextUnknown     = "UNKNOWN"
	TextUnreachable = "UNREACHABLE"
)

// StateClasses are the two mutually exclusive classes a confirmed state can carry.
var StateClasses = []string{ClassDanger, ClassSecondary}

// Badge is the view model of the status badge.
type Badge struct {
	Text  string
	Class string
}

// BadgeFor derives the badge for a confirmed state.
func BadgeFor(s State) Badge {
	if s {
		return Badge{Text: TextOn, Class: ClassDanger}
	}
	return Badge{Text: TextOff, Class: ClassSecondary}
}

// UnknownBadge is shown when no state could be read.
func UnknownBadge() Badge {
	return Badge{Text: TextUnknown, Class: ClassLight}
}

// UnreachableBadge is shown when a write failed.
func UnreachableBadge() Badge {
	return Badge{Text: TextUnreachable, Class: ClassWarning}
}

// AllClasses lists every class a badge can carry.
var AllClasses = []string{ClassDanger, ClassSecondary, ClassLight, ClassWarning}
