package connection

// congestion tracks an AIMD-style test ceiling for outbound Prepare source
// amounts (§3 Connection.congestion, §4.F response handling), adapted from
// client2/rates.go's Rates struct — where the teacher reads fixed
// loop/drop/delay rates out of a PKI document, this instead adapts its
// single ceiling additively on success and multiplicatively on an F08
// reject, since STREAM has no PKI-published rate to consult.
type congestion struct {
	amount   uint64 // current test ceiling for the next Prepare's source amount
	increase uint64 // additive step applied on a successful Fulfill
	inFlight bool
}

const (
	defaultCongestionStart    = 1000
	defaultCongestionIncrease = 1000
	minCongestionAmount       = 1
)

func newCongestion() *congestion {
	return &congestion{
		amount:   defaultCongestionStart,
		increase: defaultCongestionIncrease,
	}
}

// onFulfillSuccess applies additive increase (§4.F "congestion success").
func (c *congestion) onFulfillSuccess() {
	c.amount += c.increase
}

// onAmountTooLarge applies multiplicative decrease (§4.F F08 handling).
func (c *congestion) onAmountTooLarge() {
	c.amount /= 2
	if c.amount < minCongestionAmount {
		c.amount = minCongestionAmount
	}
}

// ceiling returns the current amount this connection may attempt to send in
// its next Prepare, bounded below by 1 so a stalled congestion window never
// fully stalls the connection.
func (c *congestion) ceiling() uint64 {
	if c.amount < minCongestionAmount {
		return minCongestionAmount
	}
	return c.amount
}
