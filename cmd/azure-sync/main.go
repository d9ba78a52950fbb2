// azure-sync keeps a Port software catalog in step with Azure by
// forwarding Resource Graph change records to a webhook.
package main

func main() {
	Execute()
}
