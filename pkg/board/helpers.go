package board

// hashSource defines the device side of firmware.Hash.
const hashSource = `def _djb2_file(path):
    h = 5381
    with open(path, 'rb') as f:
        while True:
            b = f.read(4)
            if not b:
                break
            h = ((h << 5) + h + int.from_bytes(b, 'little')) & 0xFFFFFFFF
    return h
`

// receiveSource defines the device side of a firmware transfer: size bytes
// are read from USB in chunks, each acknowledged with OK, and ER is sent if
// the file cannot be written or the host goes quiet for a second. Keyboard
// interrupts are restored on return.
const receiveSource = `def _receive_file(path, size):
    usb = pyb.USB_VCP()
    usb.setinterrupt(-1)
    buf = bytearray(512)
    mv = memoryview(buf)
    remaining = size
    idle = 0
    try:
        with open(path, 'wb') as f:
            while remaining > 0:
                n = usb.recv(buf, timeout=5)
                if n:
                    idle = 0
                    remaining -= n
                    f.write(mv[:n])
                    usb.write(b'OK')
                else:
                    idle += 1
                    if idle > 200:
                        raise OSError('timeout')
    except:
        usb.write(b'ER')
    finally:
        usb.setinterrupt(3)
`
