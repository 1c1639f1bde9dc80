package firmware

import "github.com/sigurn/crc16"

// crcTable is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF), the checksum
// locks verify for images and packets.
var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// CRC16 computes the CRC-16/CCITT-FALSE checksum of data.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}
