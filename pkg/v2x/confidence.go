package v2x

// confidenceBreakpoint maps a filtered yaw-rate magnitude to a confidence.
type confidenceBreakpoint struct {
	yawRate    float64 // deg/s
	confidence float64 // percent
}

// confidenceTable is ordered from the largest yaw rate down to zero
// (J2945/1 Table A3).
var confidenceTable = [...]confidenceBreakpoint{
	{25.0, 0},
	{20.0, 10},
	{15.0, 20},
	{10.0, 30},
	{5.0, 40},
	{2.5, 50},
	{2.0, 60},
	{1.5, 70},
	{1.0, 80},
	{0.5, 90},
	{0.0, 100},
}

// ConfidenceLookup converts a filtered yaw-rate magnitude in deg/s into a
// path prediction confidence percentage by linear interpolation between
// table breakpoints. Rates of 25 deg/s and above give 0; negative input is
// treated as zero and gives 100.
func ConfidenceLookup(yawRate float64) float64 {
	for i, bp := range confidenceTable {
		if yawRate < bp.yawRate {
			continue
		}
		if i == 0 {
			return bp.confidence
		}
		prev := confidenceTable[i-1]
		return prev.confidence + (yawRate-prev.yawRate)*(bp.confidence-prev.confidence)/(bp.yawRate-prev.yawRate)
	}
	return 100
}
