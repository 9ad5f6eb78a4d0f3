package ledger

// Coin is the opaque fungible value used as the escrow primitive. The
// lifecycle engine only moves value between coins; it never mints or burns.
type Coin struct {
	amount uint64
}

// NewCoin creates a coin holding the given amount.
func NewCoin(amount uint64) Coin {
	return Coin{amount: amount}
}

// ZeroCoin returns an empty coin.
func ZeroCoin() Coin {
	return Coin{}
}

// Value returns the amount held by the coin.
func (c Coin) Value() uint64 {
	return c.amount
}

// IsZero reports whether the coin holds nothing.
func (c Coin) IsZero() bool {
	return c.amount == 0
}

// Split removes amount from the coin and returns it as a new coin.
func (c *Coin) Split(amount uint64) (Coin, error) {
	if amount > c.amount {
		return Coin{}, ErrInsufficientBalance
	}
	c.amount -= amount
	return Coin{amount: amount}, nil
}

// Take is Split under the name the withdrawal path uses.
func (c *Coin) Take(amount uint64) (Coin, error) {
	return c.Split(amount)
}

// Join merges other into the coin. The other coin is consumed by value, so
// the caller cannot spend it again.
func (c *Coin) Join(other Coin) {
	c.amount += other.amount
}
