package netmock

//go:generate go tool mockgen -package=netmock -destination=packet_conn.go net PacketConn
