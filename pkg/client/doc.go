/*
Package client reads the local status server of a running kioskd agent.

It is used by the status command to show what the live agent sees next to
what is on disk:

	c := client.NewClient(":2000")
	ready, err := c.Ready()
	if err != nil {
		// agent not running
	}
	fmt.Println(ready.Status, ready.Checks["app"])

Every call is bounded by a 10 second timeout.
*/
package client
