//go:build opencl
// +build opencl

package phiverb

// waveguideKernelSource is the OpenCL port of the host reference solver.
// Struct declarations must match the Go-side layout; the layout_probe
// kernel lets the host verify that before uploading anything.
const waveguideKernelSource = `
#define CANONICAL_ORDER 6
#define CANONICAL_STORAGE 8
#define PORTS 6

#define id_inside (1 << 0)
#define id_nx (1 << 1)
#define id_px (1 << 2)
#define id_ny (1 << 3)
#define id_py (1 << 4)
#define id_nz (1 << 5)
#define id_pz (1 << 6)
#define id_reentrant (1 << 7)

#define flag_outside_mesh (1 << 0)
#define flag_suspicious (1 << 1)
#define flag_inf (1 << 2)
#define flag_nan (1 << 3)
#define flag_outside_range (1 << 4)

#define courant 0.5773502691896258f
#define courant_sq (1.0f / 3.0f)
#define min_b0 1.0e-12f
#define memory_limit 1.0e30f
#define no_neighbor (~(uint)0)
#define guard_mask 0xA5A5A5A5u

typedef struct {
    int boundary_type;
    uint boundary_index;
} condensed_node;

typedef struct {
    float array[CANONICAL_STORAGE];
} memory_canonical;

typedef struct {
    float b[CANONICAL_STORAGE];
    float a[CANONICAL_STORAGE];
} coefficients_canonical;

typedef struct {
    memory_canonical filter_memory;
    uint coefficient_index;
    uint guard_tag;
    uint pad[6];
} boundary_data;

typedef struct { boundary_data array[1]; } boundary_data_array_1;
typedef struct { boundary_data array[2]; } boundary_data_array_2;
typedef struct { boundary_data array[3]; } boundary_data_array_3;

typedef struct {
    uint sz_memory_canonical;
    uint sz_coefficients_canonical;
    uint sz_boundary_data;
    uint sz_boundary_data_array_3;
    uint off_bd_filter_memory;
    uint off_bd_coefficient_index;
    uint off_bd_guard_tag;
    uint off_b3_data0;
    uint off_b3_data1;
    uint off_b3_data2;
} layout_info;

int face_mask(int bt) { return bt & ~(id_inside | id_reentrant); }

int boundary_dim(int bt) { return popcount((uint)face_mask(bt)); }

int boundary_local_index(int bt, int bit) {
    int mask = face_mask(bt);
    if (bit == 0 || (mask & bit) == 0) {
        return -1;
    }
    return popcount((uint)(mask & (bit - 1)));
}

uint neighbor_index(uint index, int dimx, int dimy, int dimz, int port) {
    int i = (int)index % dimx;
    int rest = (int)index / dimx;
    int j = rest % dimy;
    int k = rest / dimy;
    switch (port) {
        case 0: i -= 1; break;
        case 1: i += 1; break;
        case 2: j -= 1; break;
        case 3: j += 1; break;
        case 4: k -= 1; break;
        case 5: k += 1; break;
    }
    if (i < 0 || i >= dimx || j < 0 || j >= dimy || k < 0 || k >= dimz) {
        return no_neighbor;
    }
    return (uint)(i + dimx * (j + dimy * k));
}

int face_bit_of_port(int port) { return 1 << (port + 1); }

int opposite_port(int port) { return port ^ 1; }

void record_nan(global int* diag, int code, uint node, uint bindex,
                int local_idx, uint coeff, float fs, float a0, float b0,
                float diff, float input, float prev, float next) {
    if (atomic_cmpxchg(diag, 0, 1) == 0) {
        diag[1] = code;
        diag[2] = (int)node;
        diag[3] = (int)bindex;
        diag[4] = local_idx;
        diag[5] = (int)coeff;
        diag[6] = as_int(fs);
        diag[7] = as_int(a0);
        diag[8] = as_int(b0);
        diag[9] = as_int(diff);
        diag[10] = as_int(input);
        diag[11] = as_int(prev);
        diag[12] = as_int(next);
    }
}

float filter_step_canonical(float input, memory_canonical* m,
                            const global coefficients_canonical* c) {
    const float a0 = c->a[0];
    const float b0 = c->b[0];
    const float denom0 = fabs(a0) > min_b0 ? a0 : 1.0f;
    const float output = (input * b0 + m->array[0]) / denom0;
    for (int i = 0; i != CANONICAL_ORDER - 1; ++i) {
        const float b = c->b[i + 1] == 0.0f ? 0.0f : c->b[i + 1] * input;
        const float a = c->a[i + 1] == 0.0f ? 0.0f : c->a[i + 1] * output;
        m->array[i] = b - a + m->array[i + 1];
    }
    const float b_last = c->b[CANONICAL_ORDER] == 0.0f ? 0.0f : c->b[CANONICAL_ORDER] * input;
    const float a_last = c->a[CANONICAL_ORDER] == 0.0f ? 0.0f : c->a[CANONICAL_ORDER] * output;
    m->array[CANONICAL_ORDER - 1] = b_last - a_last;
    return output;
}

float boundary_pressure(uint node, condensed_node cn,
                        const global condensed_node* nodes,
                        const global float* current, float prev,
                        int dimx, int dimy, int dimz, int dims_count,
                        global boundary_data* slots,
                        const global coefficients_canonical* coefficients,
                        uint num_coefficients,
                        global int* error_flag, global int* diag) {
    float doubled = 0.0f;
    float surrounding = 0.0f;
    int mask = face_mask(cn.boundary_type);
    int axis_used[3] = {0, 0, 0};
    for (int port = 0; port != PORTS; ++port) {
        if ((mask & face_bit_of_port(port)) == 0) {
            continue;
        }
        axis_used[port / 2] = 1;
        uint nb = neighbor_index(node, dimx, dimy, dimz, opposite_port(port));
        if (nb == no_neighbor) {
            atomic_or(error_flag, flag_outside_mesh);
            continue;
        }
        doubled += 2.0f * current[nb];
    }
    if (dims_count < 3) {
        for (int axis = 0; axis != 3; ++axis) {
            if (axis_used[axis]) {
                continue;
            }
            for (int side = 0; side != 2; ++side) {
                uint nb = neighbor_index(node, dimx, dimy, dimz, axis * 2 + side);
                if (nb == no_neighbor) {
                    atomic_or(error_flag, flag_outside_mesh);
                    return 0.0f;
                }
                int bt = nodes[nb].boundary_type;
                if (bt == 0 || bt == id_inside) {
                    atomic_or(error_flag, flag_suspicious);
                }
                surrounding += current[nb];
            }
        }
    }
    float weighted = courant_sq * (doubled + surrounding);

    float filter_weighting = 0.0f;
    float coeff_weighting = 0.0f;
    for (int f = 0; f != dims_count; ++f) {
        uint ci = slots[f].coefficient_index;
        if (ci >= num_coefficients) {
            atomic_or(error_flag, flag_outside_range);
            return 0.0f;
        }
        const global coefficients_canonical* c = coefficients + ci;
        const float b0 = c->b[0];
        if (fabs(b0) > min_b0) {
            filter_weighting += slots[f].filter_memory.array[0] / b0;
            coeff_weighting += c->a[0] / b0;
        }
    }
    filter_weighting *= courant_sq;
    coeff_weighting *= courant;

    const float numerator = weighted + filter_weighting + (coeff_weighting - 1.0f) * prev;
    float denom = 1.0f + coeff_weighting;
    if (!isfinite(denom) || fabs(denom) < min_b0) {
        atomic_or(error_flag, flag_suspicious);
        denom = denom >= 0.0f ? 1.0f : -1.0f;
    }
    float ret = numerator / denom;
    if (!isfinite(ret)) {
        record_nan(diag, 200 + dims_count, node, cn.boundary_index, -1, 0,
                   filter_weighting, coeff_weighting, denom, numerator, denom,
                   prev, ret);
        atomic_or(error_flag, flag_nan);
        ret = 0.0f;
    }
    return ret;
}

kernel void zero_buffer(global float* buffer) {
    buffer[get_global_id(0)] = 0.0f;
}

kernel void condensed_waveguide(global float* previous,
                                const global float* current,
                                const global condensed_node* nodes,
                                const int dimx,
                                const int dimy,
                                const int dimz,
                                global boundary_data_array_1* boundary_1,
                                global boundary_data_array_2* boundary_2,
                                global boundary_data_array_3* boundary_3,
                                const global coefficients_canonical* coefficients,
                                global int* error_flag,
                                global int* diag,
                                const uint num_nodes,
                                const uint num_coefficients,
                                const uint step) {
    const uint index = get_global_id(0);
    if (index >= num_nodes) {
        atomic_or(error_flag, flag_outside_range);
        return;
    }
    const condensed_node cn = nodes[index];
    const float prev = previous[index];
    float next = 0.0f;

    const int dims_count = boundary_dim(cn.boundary_type);
    if (dims_count == 0) {
        if (cn.boundary_type & (id_inside | id_reentrant)) {
            float sum = 0.0f;
            for (int port = 0; port != PORTS; ++port) {
                uint nb = neighbor_index(index, dimx, dimy, dimz, port);
                if (nb != no_neighbor) {
                    sum += current[nb];
                }
            }
            next = sum / (PORTS / 2) - prev;
        }
    } else if (dims_count == 1) {
        next = boundary_pressure(index, cn, nodes, current, prev, dimx, dimy, dimz, 1,
                                 boundary_1[cn.boundary_index].array,
                                 coefficients, num_coefficients, error_flag, diag);
    } else if (dims_count == 2) {
        next = boundary_pressure(index, cn, nodes, current, prev, dimx, dimy, dimz, 2,
                                 boundary_2[cn.boundary_index].array,
                                 coefficients, num_coefficients, error_flag, diag);
    } else if (dims_count == 3) {
        next = boundary_pressure(index, cn, nodes, current, prev, dimx, dimy, dimz, 3,
                                 boundary_3[cn.boundary_index].array,
                                 coefficients, num_coefficients, error_flag, diag);
    } else {
        atomic_or(error_flag, flag_suspicious);
    }

    if (isinf(next)) {
        atomic_or(error_flag, flag_inf);
    }
    if (isnan(next)) {
        record_nan(diag, 100, index, 0, 0, 0, 0.0f, 0.0f, 0.0f, 0.0f, 0.0f,
                   prev, next);
        atomic_or(error_flag, flag_nan);
    }
    previous[index] = next;
}

void ghost_point_update(global boundary_data* bd,
                        const global coefficients_canonical* c,
                        float next_p, float prev_p,
                        uint node, uint bindex, int local_idx,
                        global int* error_flag, global int* diag) {
    if (bd->guard_tag != (node ^ guard_mask)) {
        atomic_or(error_flag, flag_outside_range);
        return;
    }
    float a0 = c->a[0];
    float b0 = c->b[0];
    if (!isfinite(a0)) a0 = 1.0f;
    if (!isfinite(b0)) b0 = 1.0f;
    if (fabs(b0) < min_b0 && fabs(a0) < min_b0) {
        return;
    }
    float filt_state = bd->filter_memory.array[0];
    if (!isfinite(filt_state)) filt_state = 0.0f;
    int reset_memory = 0;
    for (int k = 0; k != CANONICAL_ORDER; ++k) {
        const float v = bd->filter_memory.array[k];
        if (!isfinite(v) || fabs(v) > memory_limit) {
            reset_memory = 1;
            break;
        }
    }
    if (reset_memory) {
        record_nan(diag, 10, node, bindex, local_idx, bd->coefficient_index,
                   filt_state, a0, b0, 0.0f, 0.0f, prev_p, next_p);
        for (int k = 0; k != CANONICAL_ORDER; ++k) {
            bd->filter_memory.array[k] = 0.0f;
        }
        filt_state = 0.0f;
    }

    const float delta = prev_p - next_p;
    if (delta == 0.0f && filt_state == 0.0f) {
        bd->filter_memory.array[0] = 0.0f;
        return;
    }

    const float safe_b0 = fabs(b0) > min_b0 ? b0 : 1.0f;
    const float denom = fmax(safe_b0 * courant, min_b0);
    const float diff = a0 * delta / denom + filt_state / safe_b0;
    if (!isfinite(diff)) {
        atomic_or(error_flag, flag_nan);
        record_nan(diag, 1, node, bindex, local_idx, bd->coefficient_index,
                   filt_state, a0, b0, diff, 0.0f, prev_p, next_p);
        bd->filter_memory.array[0] = nan(0u);
        return;
    }
    const float filter_input = -diff;

    memory_canonical local_memory;
    for (int k = 0; k != CANONICAL_STORAGE; ++k) {
        local_memory.array[k] = bd->filter_memory.array[k];
    }
    const float output = filter_step_canonical(filter_input, &local_memory, c);
    if (!isfinite(output)) {
        atomic_or(error_flag, flag_nan);
        record_nan(diag, 3, node, bindex, local_idx, bd->coefficient_index,
                   filt_state, a0, b0, diff, filter_input, prev_p, next_p);
    }
    int clamped = 0;
    for (int k = 0; k != CANONICAL_ORDER; ++k) {
        const float v = local_memory.array[k];
        if (!isfinite(v) || fabs(v) > memory_limit) {
            local_memory.array[k] = 0.0f;
            clamped = 1;
        }
    }
    if (clamped) {
        record_nan(diag, 11, node, bindex, local_idx, bd->coefficient_index,
                   filt_state, a0, b0, diff, filter_input, prev_p, next_p);
    }
    for (int k = 0; k != CANONICAL_STORAGE; ++k) {
        bd->filter_memory.array[k] = local_memory.array[k];
    }
}

#define UPDATE_BOUNDARY_KERNEL(dims_count) \
    kernel void update_boundary_##dims_count( \
            const global float* previous_history, \
            const global float* current, \
            const global float* next, \
            const global condensed_node* nodes, \
            const int dimx, \
            const int dimy, \
            const int dimz, \
            const global uint* boundary_nodes, \
            global boundary_data_array_##dims_count* boundary_storage, \
            const global coefficients_canonical* coefficients, \
            global int* error_flag, \
            global int* diag, \
            const uint step) { \
        const uint work_index = get_global_id(0); \
        const uint global_index = boundary_nodes[work_index]; \
        const condensed_node cn = nodes[global_index]; \
        if (cn.boundary_index != work_index) { \
            atomic_or(error_flag, flag_outside_range); \
            return; \
        } \
        global boundary_data* slots = boundary_storage[cn.boundary_index].array; \
        const float next_p = next[global_index]; \
        const float prev_p = previous_history[global_index]; \
        int mask = face_mask(cn.boundary_type); \
        for (int port = 0; port != PORTS; ++port) { \
            const int bit = face_bit_of_port(port); \
            if ((mask & bit) == 0) { \
                continue; \
            } \
            const int local_idx = boundary_local_index(cn.boundary_type, bit); \
            if (local_idx < 0 || local_idx >= dims_count) { \
                atomic_or(error_flag, flag_suspicious); \
                continue; \
            } \
            global boundary_data* bd = slots + local_idx; \
            ghost_point_update(bd, coefficients + bd->coefficient_index, \
                               next_p, prev_p, global_index, \
                               cn.boundary_index, local_idx, error_flag, diag); \
        } \
    }

UPDATE_BOUNDARY_KERNEL(1)
UPDATE_BOUNDARY_KERNEL(2)
UPDATE_BOUNDARY_KERNEL(3)

kernel void layout_probe(global layout_info* out) {
    if (get_global_id(0) != 0) {
        return;
    }
    layout_info info;
    info.sz_memory_canonical = (uint)sizeof(memory_canonical);
    info.sz_coefficients_canonical = (uint)sizeof(coefficients_canonical);
    info.sz_boundary_data = (uint)sizeof(boundary_data);
    info.sz_boundary_data_array_3 = (uint)sizeof(boundary_data_array_3);
    info.off_bd_filter_memory = (uint)offsetof(boundary_data, filter_memory);
    info.off_bd_coefficient_index = (uint)offsetof(boundary_data, coefficient_index);
    info.off_bd_guard_tag = (uint)offsetof(boundary_data, guard_tag);
    info.off_b3_data0 = (uint)offsetof(boundary_data_array_3, array[0]);
    info.off_b3_data1 = (uint)offsetof(boundary_data_array_3, array[1]);
    info.off_b3_data2 = (uint)offsetof(boundary_data_array_3, array[2]);
    *out = info;
}
`
