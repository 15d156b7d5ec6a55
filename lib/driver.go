package lib

import (
	"time"
)

// retransmitLoop is the single periodic driver behind every connection's
// retransmission countdowns.
func (c *Core) retransmitLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeSignal:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick runs one retransmission round over a snapshot of the table so no
// table lock is held while connections resend.
func (c *Core) tick() {
	for _, conn := range c.table.snapshot() {
		conn.timeout()
	}
}
