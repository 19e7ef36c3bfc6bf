package ble

const (
	// SMPServiceUUID is the SMP GATT service.
	SMPServiceUUID = "8D53DC1D-1DB7-4CD3-868B-8A527460AA84"

	// SMPCharUUID is the SMP characteristic. Requests are written without
	// response and replies arrive as notifications on the same handle.
	SMPCharUUID = "DA2E7828-FBCE-4E01-AE9E-261174997C48"
)

// attOverhead is the ATT header subtracted from the MTU for each write.
const attOverhead = 3

// defaultMTU is assumed when the stack cannot report the negotiated MTU.
const defaultMTU = 23
