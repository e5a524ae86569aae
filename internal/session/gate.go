package session

const (
	// DailyRevealLimit is how many codes may be revealed per day.
	DailyRevealLimit = 50

	// InterstitialEvery is the reveal cadence that triggers an interstitial.
	InterstitialEvery = 3
)

// CanReveal reports whether another reveal is admitted today. Callers check
// it before doing anything with side effects so an exhausted limit never
// advances the counter.
func CanReveal(s Session) bool {
	return s.DailyRevealCount < DailyRevealLimit
}

// ShouldShowInterstitial reports the pending flag as set by RecordReveal.
func ShouldShowInterstitial(s Session) bool {
	return s.InterstitialPending
}

// Remaining is how many reveals are left today.
func Remaining(s Session) int {
	if s.DailyRevealCount >= DailyRevealLimit {
		return 0
	}
	return DailyRevealLimit - s.DailyRevealCount
}
