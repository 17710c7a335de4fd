// Command entitlements serves the entitlement API and runs its maintenance tasks.
package main

func main() {
	Execute()
}
