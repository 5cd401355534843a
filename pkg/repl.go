package protocol

import "strconv"

// REPL commands
func (stack *IPStack) Li() string {
	var res = "Name Addr/Prefix  State"
	for _, iface := range stack.sortedInterfaces() {
		res += "\n" + iface.Name + "  " + iface.IP.String() + "/" + strconv.Itoa(iface.Prefix.Bits())
		if iface.Down {
			res += "  down"
		} else {
			res += "  up"
		}
	}
	return res
}

func (stack *IPStack) Down(interfaceName string) bool {
	// Set down flag in interface to true
	iface, exists := stack.Interfaces[interfaceName]
	if exists {
		iface.Down = true
	}
	return exists
}

func (stack *IPStack) Up(interfaceName string) bool {
	iface, exists := stack.Interfaces[interfaceName]
	if exists {
		iface.Down = false
	}
	return exists
}
