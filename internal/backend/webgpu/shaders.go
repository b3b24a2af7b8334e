//go:build windows

package webgpu

// WGSL compute shaders, one per kernel. Every shader sees the parameter
// table p at binding 0 (p[0] = invocation count) and computes its flat
// invocation index with idx(); float parameters are passed as bit patterns.

// workgroupSize is the number of threads per workgroup.
const workgroupSize = 256

const prelude = `
@group(0) @binding(0) var<storage, read> p: array<u32>;

fn fp(i: u32) -> f32 {
    return bitcast<f32>(p[i]);
}

fn idx(gid: vec3<u32>, nwg: vec3<u32>) -> u32 {
    return gid.x + gid.y * nwg.x * 256u;
}
`

const entry = `
@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) gid: vec3<u32>, @builtin(num_workgroups) nwg: vec3<u32>) {
    let i = idx(gid, nwg);
    if (i >= p[0]) {
        return;
    }
`

// fillShader: out[i] = p[1].
const fillShader = `
@group(0) @binding(1) var<storage, read_write> o: array<f32>;
` + entry + `
    o[i] = fp(1u);
}
`

// copyShader: out[i] = a[i], or out[i] += a[i] when p[1] is set.
const copyShader = `
@group(0) @binding(1) var<storage, read> a: array<f32>;
@group(0) @binding(2) var<storage, read_write> o: array<f32>;
` + entry + `
    if (p[1] != 0u) {
        o[i] = o[i] + a[i];
    } else {
        o[i] = a[i];
    }
}
`

// addShader: c = p[1]*a + p[2]*b (+ c when p[3]).
const addShader = `
@group(0) @binding(1) var<storage, read> a: array<f32>;
@group(0) @binding(2) var<storage, read> b: array<f32>;
@group(0) @binding(3) var<storage, read_write> c: array<f32>;
` + entry + `
    var v = fp(1u) * a[i] + fp(2u) * b[i];
    if (p[3] != 0u) {
        v = v + c[i];
    }
    c[i] = v;
}
`

// elementwiseShader: c = a (*|/|max) b selected by p[1] (0 mult, 1 div, 2 max), + c when p[2].
const elementwiseShader = `
@group(0) @binding(1) var<storage, read> a: array<f32>;
@group(0) @binding(2) var<storage, read> b: array<f32>;
@group(0) @binding(3) var<storage, read_write> c: array<f32>;
` + entry + `
    var v: f32;
    switch p[1] {
        case 0u: { v = a[i] * b[i]; }
        case 1u: { v = a[i] / b[i]; }
        default: { v = max(a[i], b[i]); }
    }
    if (p[2] != 0u) {
        v = v + c[i];
    }
    c[i] = v;
}
`

// scalarShader: o = o * p[1] + p[2].
const scalarShader = `
@group(0) @binding(1) var<storage, read_write> o: array<f32>;
` + entry + `
    o[i] = o[i] * fp(1u) + fp(2u);
}
`

// unaryShader: b = f(a), f selected by p[1] (0 sqrt, 1 relu, 2 sigmoid, 3 tanh).
const unaryShader = `
@group(0) @binding(1) var<storage, read> a: array<f32>;
@group(0) @binding(2) var<storage, read_write> b: array<f32>;
` + entry + `
    let x = a[i];
    switch p[1] {
        case 0u: { b[i] = sqrt(x); }
        case 1u: { b[i] = max(x, 0.0); }
        case 2u: { b[i] = 1.0 / (1.0 + exp(-x)); }
        default: { b[i] = tanh(x); }
    }
}
`

// derivShader: pd += g(d, x), g selected by p[1] (0 relu on input, 1 sigmoid on output, 2 tanh on output).
const derivShader = `
@group(0) @binding(1) var<storage, read> d: array<f32>;
@group(0) @binding(2) var<storage, read> x: array<f32>;
@group(0) @binding(3) var<storage, read_write> pd: array<f32>;
` + entry + `
    let v = x[i];
    switch p[1] {
        case 0u: {
            if (v > 0.0) {
                pd[i] = pd[i] + d[i];
            }
        }
        case 1u: { pd[i] = pd[i] + d[i] * v * (1.0 - v); }
        default: { pd[i] = pd[i] + d[i] * (1.0 - v * v); }
    }
}
`

// dmaxShader: pd += d where out == in.
const dmaxShader = `
@group(0) @binding(1) var<storage, read> d: array<f32>;
@group(0) @binding(2) var<storage, read> mx: array<f32>;
@group(0) @binding(3) var<storage, read> x: array<f32>;
@group(0) @binding(4) var<storage, read_write> pd: array<f32>;
` + entry + `
    if (mx[i] == x[i]) {
        pd[i] = pd[i] + d[i];
    }
}
`

// matmulShader: C[M,N] = op(A) @ op(B), p = [_, M, N, K, tA, tB, inc].
const matmulShader = `
@group(0) @binding(1) var<storage, read> a: array<f32>;
@group(0) @binding(2) var<storage, read> b: array<f32>;
@group(0) @binding(3) var<storage, read_write> c: array<f32>;
` + entry + `
    let M = p[1];
    let N = p[2];
    let K = p[3];
    let row = i / N;
    let col = i % N;

    var sum: f32 = 0.0;
    for (var k: u32 = 0u; k < K; k = k + 1u) {
        let ai = select(row * K + k, k * M + row, p[4] != 0u);
        let bi = select(k * N + col, col * K + k, p[5] != 0u);
        sum = sum + a[ai] * b[bi];
    }
    if (p[6] != 0u) {
        sum = sum + c[i];
    }
    c[i] = sum;
}
`

// rowwiseShader: c = a + b broadcast over rows, p = [_, cols].
const rowwiseShader = `
@group(0) @binding(1) var<storage, read> a: array<f32>;
@group(0) @binding(2) var<storage, read> b: array<f32>;
@group(0) @binding(3) var<storage, read_write> c: array<f32>;
` + entry + `
    c[i] = a[i] + b[i % p[1]];
}
`

// reduceRowsShader: b[j] (+)= sum_r a[r, j], one invocation per column, p = [_, rows, inc].
const reduceRowsShader = `
@group(0) @binding(1) var<storage, read> a: array<f32>;
@group(0) @binding(2) var<storage, read_write> b: array<f32>;
` + entry + `
    let cols = p[0];
    var sum: f32 = 0.0;
    for (var r: u32 = 0u; r < p[1]; r = r + 1u) {
        sum = sum + a[r * cols + i];
    }
    if (p[2] != 0u) {
        sum = sum + b[i];
    }
    b[i] = sum;
}
`

// softmaxShader: row-wise softmax, one invocation per row, p = [_, cols].
const softmaxShader = `
@group(0) @binding(1) var<storage, read> a: array<f32>;
@group(0) @binding(2) var<storage, read_write> b: array<f32>;
` + entry + `
    let n = p[1];
    let off = i * n;

    var mx: f32 = a[off];
    for (var k: u32 = 1u; k < n; k = k + 1u) {
        mx = max(mx, a[off + k]);
    }
    var sum: f32 = 0.0;
    for (var k: u32 = 0u; k < n; k = k + 1u) {
        let e = exp(a[off + k] - mx);
        b[off + k] = e;
        sum = sum + e;
    }
    for (var k: u32 = 0u; k < n; k = k + 1u) {
        b[off + k] = b[off + k] / sum;
    }
}
`

// softmaxBackwardShader: pd += o * (d - sum(o * d)) per row, p = [_, cols].
const softmaxBackwardShader = `
@group(0) @binding(1) var<storage, read> d: array<f32>;
@group(0) @binding(2) var<storage, read> o: array<f32>;
@group(0) @binding(3) var<storage, read_write> pd: array<f32>;
` + entry + `
    let n = p[1];
    let off = i * n;

    var s: f32 = 0.0;
    for (var k: u32 = 0u; k < n; k = k + 1u) {
        s = s + o[off + k] * d[off + k];
    }
    for (var k: u32 = 0u; k < n; k = k + 1u) {
        pd[off + k] = pd[off + k] + o[off + k] * (d[off + k] - s);
    }
}
`

// convGeometry reads the convolution parameter layout shared by the conv shaders:
// p = [_, IZ, IR, IC, Z, R, C, kh, kw, sh, sw, dh, dw, padTop, padLeft, groups, bias, batch].
const convGeometry = `
struct Conv {
    iz: u32, ir: u32, ic: u32,
    z: u32, r: u32, c: u32,
    kh: u32, kw: u32,
    sh: u32, sw: u32,
    dh: u32, dw: u32,
    pt: i32, pl: i32,
    cg: u32, og: u32,
    bias: bool,
    batch: u32,
}

fn conv() -> Conv {
    var g: Conv;
    g.iz = p[1]; g.ir = p[2]; g.ic = p[3];
    g.z = p[4]; g.r = p[5]; g.c = p[6];
    g.kh = p[7]; g.kw = p[8];
    g.sh = p[9]; g.sw = p[10];
    g.dh = p[11]; g.dw = p[12];
    g.pt = i32(p[13]); g.pl = i32(p[14]);
    g.cg = p[1] / p[15];
    g.og = p[4] / p[15];
    g.bias = p[16] != 0u;
    g.batch = p[17];
    return g;
}
`

// conv2dShader: direct convolution, one invocation per output element.
const conv2dShader = `
@group(0) @binding(1) var<storage, read> x: array<f32>;
@group(0) @binding(2) var<storage, read> k: array<f32>;
@group(0) @binding(3) var<storage, read> bias: array<f32>;
@group(0) @binding(4) var<storage, read_write> o: array<f32>;
` + convGeometry + entry + `
    let g = conv();
    let ox = i % g.c;
    let oy = (i / g.c) % g.r;
    let z = (i / (g.c * g.r)) % g.z;
    let n = i / (g.c * g.r * g.z);
    let grp = z / g.og;

    var acc: f32 = 0.0;
    if (g.bias) {
        acc = bias[z];
    }
    for (var c: u32 = 0u; c < g.cg; c = c + 1u) {
        let plane = (n * g.iz + grp * g.cg + c) * g.ir;
        for (var ky: u32 = 0u; ky < g.kh; ky = ky + 1u) {
            let y = i32(oy * g.sh + ky * g.dh) - g.pt;
            if (y < 0 || y >= i32(g.ir)) {
                continue;
            }
            for (var kx: u32 = 0u; kx < g.kw; kx = kx + 1u) {
                let xx = i32(ox * g.sw + kx * g.dw) - g.pl;
                if (xx < 0 || xx >= i32(g.ic)) {
                    continue;
                }
                acc = acc + x[(plane + u32(y)) * g.ic + u32(xx)] * k[((z * g.cg + c) * g.kh + ky) * g.kw + kx];
            }
        }
    }
    o[i] = acc;
}
`

// conv2dGradShader: gK += sum over batch and outputs, one invocation per kernel element.
const conv2dGradShader = `
@group(0) @binding(1) var<storage, read> x: array<f32>;
@group(0) @binding(2) var<storage, read> d: array<f32>;
@group(0) @binding(3) var<storage, read_write> gk: array<f32>;
` + convGeometry + entry + `
    let g = conv();
    let kx = i % g.kw;
    let ky = (i / g.kw) % g.kh;
    let c = (i / (g.kw * g.kh)) % g.cg;
    let z = i / (g.kw * g.kh * g.cg);
    let grp = z / g.og;

    var acc: f32 = 0.0;
    for (var n: u32 = 0u; n < g.batch; n = n + 1u) {
        let plane = (n * g.iz + grp * g.cg + c) * g.ir;
        let dplane = (n * g.z + z) * g.r;
        for (var oy: u32 = 0u; oy < g.r; oy = oy + 1u) {
            let y = i32(oy * g.sh + ky * g.dh) - g.pt;
            if (y < 0 || y >= i32(g.ir)) {
                continue;
            }
            for (var ox: u32 = 0u; ox < g.c; ox = ox + 1u) {
                let xx = i32(ox * g.sw + kx * g.dw) - g.pl;
                if (xx < 0 || xx >= i32(g.ic)) {
                    continue;
                }
                acc = acc + d[(dplane + oy) * g.c + ox] * x[(plane + u32(y)) * g.ic + u32(xx)];
            }
        }
    }
    gk[i] = gk[i] + acc;
}
`

// biasGradShader: gbias[z] += sum of d over batch and positions, p = [_, batch, positions].
const biasGradShader = `
@group(0) @binding(1) var<storage, read> d: array<f32>;
@group(0) @binding(2) var<storage, read_write> gb: array<f32>;
` + entry + `
    let z = i;
    let nz = p[0];
    let hw = p[2];
    var acc: f32 = 0.0;
    for (var n: u32 = 0u; n < p[1]; n = n + 1u) {
        let off = (n * nz + z) * hw;
        for (var j: u32 = 0u; j < hw; j = j + 1u) {
            acc = acc + d[off + j];
        }
    }
    gb[z] = gb[z] + acc;
}
`

// channelBiasShader: y[i] += bias[channel of i], p = [_, channels, positions].
const channelBiasShader = `
@group(0) @binding(1) var<storage, read> bias: array<f32>;
@group(0) @binding(2) var<storage, read_write> y: array<f32>;
` + entry + `
    y[i] = y[i] + bias[(i / p[2]) % p[1]];
}
`

// conv2dBackShader: ID += transposed convolution of D, one invocation per input element.
const conv2dBackShader = `
@group(0) @binding(1) var<storage, read> k: array<f32>;
@group(0) @binding(2) var<storage, read> d: array<f32>;
@group(0) @binding(3) var<storage, read_write> id: array<f32>;
` + convGeometry + entry + `
    let g = conv();
    let xx = i32(i % g.ic);
    let y = i32((i / g.ic) % g.ir);
    let ci = (i / (g.ic * g.ir)) % g.iz;
    let n = i / (g.ic * g.ir * g.iz);
    let grp = ci / g.cg;
    let c = ci % g.cg;

    var acc: f32 = 0.0;
    for (var zz: u32 = 0u; zz < g.og; zz = zz + 1u) {
        let z = grp * g.og + zz;
        let dplane = (n * g.z + z) * g.r;
        for (var ky: u32 = 0u; ky < g.kh; ky = ky + 1u) {
            let ty = y + g.pt - i32(ky * g.dh);
            if (ty < 0 || ty % i32(g.sh) != 0) {
                continue;
            }
            let oy = u32(ty) / g.sh;
            if (oy >= g.r) {
                continue;
            }
            for (var kx: u32 = 0u; kx < g.kw; kx = kx + 1u) {
                let tx = xx + g.pl - i32(kx * g.dw);
                if (tx < 0 || tx % i32(g.sw) != 0) {
                    continue;
                }
                let ox = u32(tx) / g.sw;
                if (ox >= g.c) {
                    continue;
                }
                acc = acc + d[(dplane + oy) * g.c + ox] * k[((z * g.cg + c) * g.kh + ky) * g.kw + kx];
            }
        }
    }
    id[i] = id[i] + acc;
}
`

// maxPool2dShader: max pooling with argmax, p = [_, IZ, IR, IC, R, C, kh, kw, sh, sw, padTop, padLeft].
const maxPool2dShader = `
@group(0) @binding(1) var<storage, read> x: array<f32>;
@group(0) @binding(2) var<storage, read_write> o: array<f32>;
@group(0) @binding(3) var<storage, read_write> ind: array<i32>;
` + entry + `
    let iz = p[1];
    let ir = p[2];
    let ic = p[3];
    let r = p[4];
    let c = p[5];
    let ox = i % c;
    let oy = (i / c) % r;
    let z = (i / (c * r)) % iz;
    let n = i / (c * r * iz);
    let y0 = i32(oy * p[8]) - i32(p[10]);
    let x0 = i32(ox * p[9]) - i32(p[11]);
    let base = n * iz * ir * ic;

    var best: f32 = 0.0;
    var arg: i32 = -1;
    for (var ky: u32 = 0u; ky < p[6]; ky = ky + 1u) {
        let y = y0 + i32(ky);
        if (y < 0 || y >= i32(ir)) {
            continue;
        }
        for (var kx: u32 = 0u; kx < p[7]; kx = kx + 1u) {
            let xx = x0 + i32(kx);
            if (xx < 0 || xx >= i32(ic)) {
                continue;
            }
            let src = i32((z * ir + u32(y)) * ic) + xx;
            let v = x[base + u32(src)];
            if (arg < 0 || v > best) {
                best = v;
                arg = src;
            }
        }
    }
    o[i] = best;
    ind[i] = arg;
}
`

// maxPool2dBackShader: one invocation per sample scatters its deltas, p = [_, inSize, outSize].
const maxPool2dBackShader = `
@group(0) @binding(1) var<storage, read> d: array<f32>;
@group(0) @binding(2) var<storage, read> ind: array<i32>;
@group(0) @binding(3) var<storage, read_write> id: array<f32>;
` + entry + `
    let inSize = p[1];
    let outSize = p[2];
    for (var j: u32 = 0u; j < outSize; j = j + 1u) {
        let src = ind[i * outSize + j];
        if (src >= 0) {
            let t = i * inSize + u32(src);
            id[t] = id[t] + d[i * outSize + j];
        }
    }
}
`

// selectShader: b[n, j] = a[n, addr[j]], p = [_, inSample, outSample].
const selectShader = `
@group(0) @binding(1) var<storage, read> addr: array<u32>;
@group(0) @binding(2) var<storage, read> a: array<f32>;
@group(0) @binding(3) var<storage, read_write> b: array<f32>;
` + entry + `
    let n = i / p[2];
    let j = i % p[2];
    b[i] = a[n * p[1] + addr[j]];
}
`

// selectBackShader: pd[n, addr[j]] += d[n, j]; addresses are distinct.
const selectBackShader = `
@group(0) @binding(1) var<storage, read> addr: array<u32>;
@group(0) @binding(2) var<storage, read> d: array<f32>;
@group(0) @binding(3) var<storage, read_write> pd: array<f32>;
` + entry + `
    let n = i / p[2];
    let j = i % p[2];
    let t = n * p[1] + addr[j];
    pd[t] = pd[t] + d[i];
}
`

// concatShader moves one part in or out of the concatenated tensor,
// p = [_, partInner, outInner, offset, back]. Forward writes whole[...] = part,
// back increments part with whole.
const concatShader = `
@group(0) @binding(1) var<storage, read_write> part: array<f32>;
@group(0) @binding(2) var<storage, read_write> whole: array<f32>;
` + entry + `
    let o = i / p[1];
    let j = i % p[1];
    let w = o * p[2] + p[3] + j;
    if (p[4] != 0u) {
        part[i] = part[i] + whole[w];
    } else {
        whole[w] = part[i];
    }
}
`
