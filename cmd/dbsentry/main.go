// dbsentry - managed database fleet inventory and health alerting.
package main

func main() {
	Execute()
}
