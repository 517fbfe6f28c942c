package runtime

import "fmt"

// Halo pack/unpack kernel source. Regions are addressed byte-wise so one
// compiled kernel serves every registered element size.

const packKernelName = "haloPack3D"

func packKernelSource() string {
	return fmt.Sprintf(`
@kernel void %s(const int extX, const int extY, const int extZ,
                const int srcX, const int srcY, const int srcZ,
                const int pitchX, const int pitchY,
                const int elemSize,
                @restrict const char *src,
                @restrict char *dst) {
    for (int z = 0; z < extZ; ++z; @outer) {
        for (int y = 0; y < extY; ++y; @inner) {
            const long srcRow = (((long)(srcZ + z) * pitchY + (srcY + y)) * pitchX + srcX) * elemSize;
            const long dstRow = (((long)z * extY + y) * extX) * elemSize;
            const int rowBytes = extX * elemSize;
            for (int b = 0; b < rowBytes; ++b) {
                dst[dstRow + b] = src[srcRow + b];
            }
        }
    }
}`, packKernelName)
}

const unpackKernelName = "haloUnpack3D"

func unpackKernelSource() string {
	return fmt.Sprintf(`
@kernel void %s(const int extX, const int extY, const int extZ,
                const int dstX, const int dstY, const int dstZ,
                const int pitchX, const int pitchY,
                const int elemSize,
                @restrict const char *src,
                @restrict char *dst) {
    for (int z = 0; z < extZ; ++z; @outer) {
        for (int y = 0; y < extY; ++y; @inner) {
            const long dstRow = (((long)(dstZ + z) * pitchY + (dstY + y)) * pitchX + dstX) * elemSize;
            const long srcRow = (((long)z * extY + y) * extX) * elemSize;
            const int rowBytes = extX * elemSize;
            for (int b = 0; b < rowBytes; ++b) {
                dst[dstRow + b] = src[srcRow + b];
            }
        }
    }
}`, unpackKernelName)
}

const copyKernelName = "haloCopy3D"

func copyKernelSource() string {
	return fmt.Sprintf(`
@kernel void %s(const int extX, const int extY, const int extZ,
                const int srcX, const int srcY, const int srcZ,
                const int srcPitchX, const int srcPitchY,
                const int dstX, const int dstY, const int dstZ,
                const int dstPitchX, const int dstPitchY,
                const int elemSize,
                @restrict const char *src,
                @restrict char *dst) {
    for (int z = 0; z < extZ; ++z; @outer) {
        for (int y = 0; y < extY; ++y; @inner) {
            const long srcRow = (((long)(srcZ + z) * srcPitchY + (srcY + y)) * srcPitchX + srcX) * elemSize;
            const long dstRow = (((long)(dstZ + z) * dstPitchY + (dstY + y)) * dstPitchX + dstX) * elemSize;
            const int rowBytes = extX * elemSize;
            for (int b = 0; b < rowBytes; ++b) {
                dst[dstRow + b] = src[srcRow + b];
            }
        }
    }
}`, copyKernelName)
}
